package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Reference names one secret version, written as secret://NAME?version=V&project=P. The legacy
// sm:// scheme is accepted and normalised.
type Reference struct {
	Name    string
	Version string
	// Project overrides the fetcher's default project when set.
	Project string
}

// ParseReference parses raw; version defaults to "latest".
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, legacy := strings.CutPrefix(raw, "sm://"); legacy {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}

	ref := Reference{
		Name:    strings.Trim(u.Host+u.Path, "/"),
		Version: strings.TrimSpace(u.Query().Get("version")),
		Project: strings.TrimSpace(u.Query().Get("project")),
	}
	if ref.Name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	if ref.Version == "" {
		ref.Version = "latest"
	}
	return ref, nil
}

// String returns the unversioned form used in logs and the local fallback file.
func (r Reference) String() string {
	return "secret://" + r.Name
}

func (r Reference) cacheKey() string {
	return r.String() + "#" + r.Version
}

// resource returns the Secret Manager version path, or "" when no project is known.
func (r Reference) resource(defaultProject string) string {
	project := r.Project
	if project == "" {
		project = defaultProject
	}
	if project == "" {
		return ""
	}
	return "projects/" + project + "/secrets/" + r.Name + "/versions/" + r.Version
}
