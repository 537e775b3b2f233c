package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/nodechain/internal/metrics"
)

// DefaultTravisURL is the public Travis CI API.
const DefaultTravisURL = "https://api.travis-ci.org"

// TravisConfig configures the Travis CI dispatcher.
type TravisConfig struct {
	BaseURL string `yaml:"base_url"`
	Slug    string `yaml:"slug"`   // repository running the node builds
	Token   string `yaml:"token"`  // API token
	Branch  string `yaml:"branch"` // branch of the build repository
}

// Travis launches node builds as Travis API requests and polls their state.
type Travis struct {
	cfg    TravisConfig
	client *http.Client
	log    *slog.Logger

	mu       sync.Mutex
	launched map[string]bool
	running  map[int64]*Launch
}

var _ Dispatcher = (*Travis)(nil)

// NewTravis creates a Travis dispatcher.
func NewTravis(cfg TravisConfig) (*Travis, error) {
	if cfg.Slug == "" {
		return nil, fmt.Errorf("travis slug required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTravisURL
	}
	if cfg.Branch == "" {
		cfg.Branch = "master"
	}
	return &Travis{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      slog.With("component", "dispatch", "mode", "travis"),
		launched: make(map[string]bool),
		running:  make(map[int64]*Launch),
	}, nil
}

type travisRequest struct {
	Request travisRequestBody `json:"request"`
}

type travisRequestBody struct {
	Message   string       `json:"message"`
	Branch    string       `json:"branch"`
	MergeMode string       `json:"merge_mode"`
	Config    travisConfig `json:"config"`
}

type travisConfig struct {
	Env    []string       `json:"env"`
	Import []travisImport `json:"import"`
}

type travisImport struct {
	Source string `json:"source"`
	Mode   string `json:"mode"`
}

// Platform picks the worker image from the profile name.
func Platform(profileName string) string {
	if strings.Contains(profileName, "windows") {
		return "windows"
	}
	return "linux"
}

// Dispatch triggers a Travis request building job.
func (d *Travis) Dispatch(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.launched[job.Node.ID] {
		d.mu.Unlock()
		d.log.Debug("already launched", "node_id", job.Node.ID, "ref", job.Node.Ref)
		if m := metrics.Get(); m != nil {
			m.IncDuplicateDispatches(job.Configuration.ProfileName)
		}
		return nil
	}
	d.launched[job.Node.ID] = true
	d.mu.Unlock()

	encoded, err := job.Encode()
	if err != nil {
		return err
	}
	body := travisRequest{Request: travisRequestBody{
		Message:   fmt.Sprintf("%s: %s", job.Node.Ref, job.Configuration.ProfileName),
		Branch:    d.cfg.Branch,
		MergeMode: "merge",
		Config: travisConfig{
			Env:    []string{fmt.Sprintf("%s='%s'", BuildJSONEnv, encoded)},
			Import: []travisImport{{Source: "./" + Platform(job.Configuration.ProfileName) + ".yml", Mode: "merge"}},
		},
	}}

	var resp struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	if err := d.doWithRetry(ctx, http.MethodPost, d.requestsURL(), body, &resp); err != nil {
		d.mu.Lock()
		delete(d.launched, job.Node.ID)
		d.mu.Unlock()
		return fmt.Errorf("trigger build of %s: %w", job.Node.Ref, err)
	}

	d.mu.Lock()
	d.running[resp.Request.ID] = &Launch{
		Job:          job,
		Handle:       strconv.FormatInt(resp.Request.ID, 10),
		DispatchedAt: time.Now(),
		State:        StateRunning,
	}
	d.mu.Unlock()

	d.log.Info("node launched", "node_id", job.Node.ID, "ref", job.Node.Ref, "request_id", resp.Request.ID)
	return nil
}

type travisRequestStatus struct {
	ID     int64 `json:"id"`
	Builds []struct {
		State string `json:"state"`
	} `json:"builds"`
}

type travisRequests struct {
	Requests   []travisRequestStatus `json:"requests"`
	Pagination struct {
		IsLast bool `json:"is_last"`
	} `json:"@pagination"`
}

const (
	// pollHeadroom covers requests other clients push onto the listing.
	pollHeadroom = 25
	maxPollPages = 10
)

// PollEnded pages through the repository requests, newest first, until every
// running launch was seen, and returns the launches whose first build
// reached a terminal state.
func (d *Travis) PollEnded(ctx context.Context) ([]Launch, error) {
	d.mu.Lock()
	unseen := make(map[int64]bool, len(d.running))
	for id := range d.running {
		unseen[id] = true
	}
	d.mu.Unlock()
	if len(unseen) == 0 {
		return nil, nil
	}

	limit := len(unseen) + pollHeadroom
	var statuses []travisRequestStatus
	for page, offset := 0, 0; page < maxPollPages && len(unseen) > 0; page++ {
		var list travisRequests
		if err := d.doWithRetry(ctx, http.MethodGet, d.requestsPageURL(limit, offset), nil, &list); err != nil {
			return nil, fmt.Errorf("check build status: %w", err)
		}
		for _, r := range list.Requests {
			delete(unseen, r.ID)
		}
		statuses = append(statuses, list.Requests...)
		if list.Pagination.IsLast || len(list.Requests) == 0 {
			break
		}
		offset += len(list.Requests)
	}
	if len(unseen) > 0 {
		d.log.Warn("running requests missing from listing", "count", len(unseen))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var ended []Launch
	for _, r := range statuses {
		l, ok := d.running[r.ID]
		if !ok || len(r.Builds) == 0 {
			continue
		}
		state := State(r.Builds[0].State)
		if !state.Terminal() {
			continue
		}
		l.State = state
		l.EndedAt = time.Now()
		delete(d.running, r.ID)
		ended = append(ended, *l)
	}
	return ended, nil
}

// HasOutstanding reports whether any request is still running.
func (d *Travis) HasOutstanding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running) > 0
}

func (d *Travis) requestsURL() string {
	return fmt.Sprintf("%s/repo/%s/requests", strings.TrimSuffix(d.cfg.BaseURL, "/"), url.PathEscape(d.cfg.Slug))
}

func (d *Travis) requestsPageURL(limit, offset int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return d.requestsURL() + "?" + q.Encode()
}

// doWithRetry sends a request with retries on transport errors and 5xx.
func (d *Travis) doWithRetry(ctx context.Context, method, target string, in, out any) error {
	var lastErr error
	retries := 3
	delay := time.Second

	for attempt := 1; attempt <= retries; attempt++ {
		retry, err := d.do(ctx, method, target, in, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if attempt < retries {
			d.log.Warn("travis call failed, retrying", "attempt", attempt, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

func (d *Travis) do(ctx context.Context, method, target string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+d.cfg.Token)
	req.Header.Set("Travis-API-Version", "3")
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return resp.StatusCode >= 500, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return false, nil
}
