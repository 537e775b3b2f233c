package coordinator

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/withObsrvr/nodechain/internal/model"
)

// Event is the CI trigger of a coordinator run.
type Event struct {
	Slug          string
	PullRequest   string
	Commit        string
	Branch        string
	BuildNumber   string
	CommitMessage string
}

// CIAdapter reads the trigger from a CI provider.
type CIAdapter interface {
	Event() (Event, error)
}

// Travis environment keys.
const (
	TravisSlugKey          = "TRAVIS_REPO_SLUG"
	TravisPullRequestKey   = "TRAVIS_PULL_REQUEST"
	TravisCommitKey        = "TRAVIS_COMMIT"
	TravisBranchKey        = "TRAVIS_BRANCH"
	TravisBuildNumberKey   = "TRAVIS_BUILD_NUMBER"
	TravisCommitMessageKey = "TRAVIS_COMMIT_MESSAGE"
)

// TravisAdapter reads the trigger from the Travis environment.
type TravisAdapter struct {
	lookup func(string) (string, bool)
}

// NewTravisAdapter reads the process environment.
func NewTravisAdapter() TravisAdapter {
	return TravisAdapter{lookup: os.LookupEnv}
}

func (a TravisAdapter) Event() (Event, error) {
	return eventFrom(a.lookup)
}

// MapAdapter serves the Travis keys from a map.
type MapAdapter map[string]string

func (m MapAdapter) Event() (Event, error) {
	return eventFrom(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func eventFrom(lookup func(string) (string, bool)) (Event, error) {
	var ev Event
	var missing []string
	for key, dst := range map[string]*string{
		TravisSlugKey:        &ev.Slug,
		TravisBranchKey:      &ev.Branch,
		TravisBuildNumberKey: &ev.BuildNumber,
	} {
		v, ok := lookup(key)
		if !ok || v == "" {
			missing = append(missing, key)
			continue
		}
		*dst = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Event{}, fmt.Errorf("ci environment incomplete: missing %s", strings.Join(missing, ", "))
	}
	ev.PullRequest, _ = lookup(TravisPullRequestKey)
	ev.Commit, _ = lookup(TravisCommitKey)
	ev.CommitMessage, _ = lookup(TravisCommitMessageKey)
	return ev, nil
}

// IsPullRequest reports whether the event is a pull request build.
func (e Event) IsPullRequest() bool {
	return e.PullRequest != "" && e.PullRequest != "false"
}

var promotedPR = regexp.MustCompile(`#(\d+)`)

// MergedPullRequest returns the pull request number referenced by the
// commit message of a merge, if any.
func (e Event) MergedPullRequest() (string, bool) {
	m := promotedPR.FindStringSubmatch(e.CommitMessage)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Mode resolves the run mode of the event.
func (e Event) Mode() model.Mode {
	if e.IsPullRequest() {
		return model.ModePullRequest
	}
	if _, ok := e.MergedPullRequest(); ok {
		return model.ModePromotion
	}
	return model.ModeBranch
}

// PullRequestBuild names the build of a pull request: "{repo}-pr-{n}".
func PullRequestBuild(e Event) model.Build {
	repo := e.Slug
	if _, name, ok := strings.Cut(e.Slug, "/"); ok {
		repo = name
	}
	return model.Build{Name: fmt.Sprintf("%s-pr-%s", repo, e.PullRequest), Number: e.BuildNumber}
}

// BranchBuild names the build of a branch push:
// "{owner_repo}_{branch}_{number}".
func BranchBuild(e Event) model.Build {
	slug := strings.ReplaceAll(e.Slug, "/", "_")
	return model.Build{Name: fmt.Sprintf("%s_%s_%s", slug, e.Branch, e.BuildNumber), Number: e.BuildNumber}
}
