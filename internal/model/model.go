// Package model holds the value types shared by the coordinator, the node
// chain and the build workers.
package model

import "fmt"

// Build identifies one CI run. Name and Number together are unique.
type Build struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

func (b Build) String() string {
	return b.Name + "/" + b.Number
}

// Configuration is a (project, profile) pair within a build.
type Configuration struct {
	ProjectRef  string `json:"project_ref"`
	ProfileName string `json:"profile_name"`
}

func (c Configuration) String() string {
	return fmt.Sprintf("%s [%s]", c.ProjectRef, c.ProfileName)
}

// NodeInfo names one package build within a lock graph. ID is unique
// within that graph only.
type NodeInfo struct {
	Ref string `json:"ref"`
	ID  string `json:"id"`
}

// Repos names the repositories used by a run: packages are read from Read
// and uploaded to Write. Meta holds locks, logs, markers and profiles.
type Repos struct {
	Read  string `json:"read"`
	Write string `json:"write"`
	Meta  string `json:"meta"`
}

// Mode is the coordinator run mode resolved from the CI environment.
type Mode string

const (
	ModePullRequest Mode = "pull_request"
	ModeBranch      Mode = "branch"
	ModePromotion   Mode = "promotion"
)
