package lockgraph

import (
	"fmt"
	"strings"
)

// Reference is a parsed recipe reference "name/version@user/channel#rrev".
type Reference struct {
	Name     string
	Version  string
	User     string
	Channel  string
	Revision string
}

// PackageReference is a parsed package reference
// "name/version@user/channel#rrev:package_id#prev".
type PackageReference struct {
	Ref       Reference
	PackageID string
	Revision  string
}

// ParseRef parses a recipe reference. A package suffix after ':' is ignored.
func ParseRef(s string) (Reference, error) {
	s, _, _ = strings.Cut(s, ":")
	var r Reference
	s, r.Revision, _ = strings.Cut(s, "#")

	nameVersion, userChannel, hasUser := strings.Cut(s, "@")
	var ok bool
	r.Name, r.Version, ok = strings.Cut(nameVersion, "/")
	if !ok || r.Name == "" || r.Version == "" {
		return Reference{}, fmt.Errorf("invalid reference %q", s)
	}
	if hasUser {
		r.User, r.Channel, ok = strings.Cut(userChannel, "/")
		if !ok {
			return Reference{}, fmt.Errorf("invalid reference %q: missing channel", s)
		}
	} else {
		r.User, r.Channel = "_", "_"
	}
	return r, nil
}

// ParsePRef parses a full package reference.
func ParsePRef(s string) (PackageReference, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return PackageReference{}, err
	}
	_, pkg, ok := strings.Cut(s, ":")
	if !ok {
		return PackageReference{}, fmt.Errorf("invalid package reference %q: missing package id", s)
	}
	p := PackageReference{Ref: ref}
	p.PackageID, p.Revision, _ = strings.Cut(pkg, "#")
	return p, nil
}

// String renders the reference without its revision.
func (r Reference) String() string {
	if r.User == "_" && r.Channel == "_" {
		return r.Name + "/" + r.Version
	}
	return r.Name + "/" + r.Version + "@" + r.User + "/" + r.Channel
}

// RemotePath returns the recipe folder in the conan repository layout.
func (r Reference) RemotePath() string {
	return strings.Join([]string{r.User, r.Name, r.Version, r.Channel, r.Revision}, "/")
}

// RefFromPRef drops the package part and every revision of a reference.
func RefFromPRef(pref string) string {
	ref, _, _ := strings.Cut(pref, ":")
	ref, _, _ = strings.Cut(ref, "#")
	return ref
}

// RefWithRevision drops the package part but keeps the recipe revision.
func RefWithRevision(pref string) string {
	ref, _, _ := strings.Cut(pref, ":")
	return ref
}

// ModuleID identifies a build-info module: the reference without revisions.
func ModuleID(pref string) string {
	id, _, _ := strings.Cut(pref, "#")
	return id
}

// RecipePath returns the folder holding the exported recipe files of pref,
// e.g. "conan/AA/1.0/stable/<rrev>/export".
func RecipePath(pref string) (string, error) {
	ref, err := ParseRef(pref)
	if err != nil {
		return "", err
	}
	if ref.Revision == "" {
		return "", fmt.Errorf("reference %q has no recipe revision", pref)
	}
	return ref.RemotePath() + "/export", nil
}

// PackagePath returns the folder holding the binary package files of pref,
// e.g. "conan/AA/1.0/stable/<rrev>/package/<package_id>/<prev>".
func PackagePath(pref string) (string, error) {
	p, err := ParsePRef(pref)
	if err != nil {
		return "", err
	}
	if p.Ref.Revision == "" || p.Revision == "" {
		return "", fmt.Errorf("package reference %q lacks revisions", pref)
	}
	return fmt.Sprintf("%s/package/%s/%s", p.Ref.RemotePath(), p.PackageID, p.Revision), nil
}

var sanitizer = strings.NewReplacer("/", "_", "@", "_")

// Sanitize makes a reference usable as a single path segment.
func Sanitize(ref string) string {
	return sanitizer.Replace(ref)
}
