package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Paths a file:// bundle may never resolve into, regardless of symlinks.
var deniedPrefixes = []string{
	"/etc", "/var", "/usr", "/bin", "/sbin",
	"/System", "/Library", "/private", "/root",
}

// Manifest is the subset of a bundle's YAML manifest the gateway surfaces.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// ValidationResult is the resolved outcome of a URI check. Failures are data,
// not transport errors: the validate endpoints return them with status 200.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	URI      string    `json:"uri"`
	Error    string    `json:"error,omitempty"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// ValidateURI checks a custom bundle or behavior source. Two schemes are
// recognized: git+https:// and file://.
func ValidateURI(uri string) ValidationResult {
	switch {
	case strings.HasPrefix(uri, "git+"):
		return validateGit(uri)
	case strings.HasPrefix(uri, "file://"):
		return validateFile(uri)
	case uri == "":
		return invalid(uri, "uri is required")
	default:
		return invalid(uri, "unsupported scheme: expected git+https:// or file://")
	}
}

func validateGit(uri string) ValidationResult {
	rest := strings.TrimPrefix(uri, "git+")
	if !strings.HasPrefix(rest, "https://") {
		return invalid(uri, "git URIs must use https")
	}
	if len(strings.TrimPrefix(rest, "https://")) == 0 {
		return invalid(uri, "git URI has no host")
	}
	return ValidationResult{Valid: true, URI: uri}
}

func validateFile(uri string) ValidationResult {
	raw := strings.TrimPrefix(uri, "file://")
	if raw == "" {
		return invalid(uri, "file URI has no path")
	}

	path, err := resolvePath(raw)
	if err != nil {
		return invalid(uri, err.Error())
	}
	if strings.Contains(path, "..") {
		return invalid(uri, "path traversal is not allowed")
	}
	for _, prefix := range deniedPrefixes {
		if underRoot(path, prefix) {
			return invalid(uri, fmt.Sprintf("path under denied prefix %s", prefix))
		}
	}
	if !allowedRoot(path) {
		return invalid(uri, "path must be under the home directory or /tmp")
	}

	info, err := os.Stat(path)
	if err != nil {
		return invalid(uri, "path does not exist")
	}

	result := ValidationResult{Valid: true, URI: uri}
	if m := probeManifest(path, info.IsDir()); m != nil {
		result.Manifest = m
	}
	return result
}

// ValidateWorkDir checks a session working directory against the same
// containment policy as file:// sources. The path must resolve to an
// existing directory under an allowed root. Returns the resolved path.
func ValidateWorkDir(raw string) (string, error) {
	path, err := resolvePath(raw)
	if err != nil {
		return "", err
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal is not allowed")
	}
	for _, prefix := range deniedPrefixes {
		if underRoot(path, prefix) {
			return "", fmt.Errorf("path under denied prefix %s", prefix)
		}
	}
	if !allowedRoot(path) {
		return "", fmt.Errorf("path must be under the home directory or /tmp")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("path does not exist")
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory")
	}
	return path, nil
}

func resolvePath(raw string) (string, error) {
	if !filepath.IsAbs(raw) {
		return "", fmt.Errorf("file URI path must be absolute")
	}
	clean := filepath.Clean(raw)
	// Follow symlinks so a link into a denied tree is caught. A dangling
	// link falls back to the lexical path and fails the existence check.
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}
	return clean, nil
}

func allowedRoot(path string) bool {
	if underRoot(path, "/tmp") {
		return true
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if underRoot(path, filepath.Clean(home)) {
			return true
		}
	}
	return false
}

func underRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// probeManifest reads bundle.yaml for display metadata. Absence or parse
// failure is not a validation error.
func probeManifest(path string, isDir bool) *Manifest {
	manifestPath := path
	if isDir {
		manifestPath = filepath.Join(path, "bundle.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			manifestPath = filepath.Join(path, "bundle.yml")
		}
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil || m.Name == "" {
		return nil
	}
	return &m
}

func invalid(uri, reason string) ValidationResult {
	return ValidationResult{Valid: false, URI: uri, Error: reason}
}
