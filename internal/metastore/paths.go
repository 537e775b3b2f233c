package metastore

import (
	"fmt"
	"path"

	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/model"
)

// File names inside a node result folder.
const (
	LockFile    = "conan.lock"
	LogFile     = "install.log"
	SuccessFile = "OK"
	FailureFile = "FAILED"

	profilesFolder = "profiles"
	projectsFile   = "projects.json"
)

// ProjectLockFolder returns
// lockfiles/{build.name}/{build.number}/{project_ref_sanitized}/{profile_name}.
func ProjectLockFolder(b model.Build, c model.Configuration) string {
	return path.Join("lockfiles", b.Name, b.Number, lockgraph.Sanitize(c.ProjectRef), c.ProfileName)
}

// ProjectLockPath returns the path of the project lock of a configuration.
func ProjectLockPath(b model.Build, c model.Configuration) string {
	return path.Join(ProjectLockFolder(b, c), LockFile)
}

// NodeResultFolder returns the folder holding the results of one node build:
// the project lock folder plus "{ref_sanitized}_{node_id}".
func NodeResultFolder(b model.Build, c model.Configuration, n model.NodeInfo) string {
	return path.Join(ProjectLockFolder(b, c), fmt.Sprintf("%s_%s", lockgraph.Sanitize(n.Ref), n.ID))
}

// PRAssociationPath returns where the build of a pull request is recorded.
func PRAssociationPath(slug, pr string) string {
	return path.Join("prs", lockgraph.Sanitize(slug), pr, "build.json")
}

// BuildInfoFolder returns the folder of a published build manifest.
func BuildInfoFolder(b model.Build) string {
	return path.Join("builds", b.Name, b.Number)
}
