// Package manifest reads the installed version from the local manifest file.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// ErrLocalVersion indicates the installed version could not be determined.
var ErrLocalVersion = errors.New("local version unreadable")

type tomlManifest struct {
	Version string `toml:"version"`
	Package struct {
		Version string `toml:"version"`
	} `toml:"package"`
}

// ReadVersion returns the version recorded in the manifest at path.
// The format is chosen by extension: .json, .toml, .yaml/.yml, or a plain
// text file holding only the version string.
func ReadVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLocalVersion, err)
	}

	version, err := decode(filepath.Ext(path), data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrLocalVersion, path, err)
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return "", fmt.Errorf("%w: %s: no version field", ErrLocalVersion, path)
	}
	if _, err := Normalize(version); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrLocalVersion, path, err)
	}

	return version, nil
}

// Normalize adds the "v" prefix expected by golang.org/x/mod/semver and
// checks that the result is a full major.minor.patch semantic version.
func Normalize(v string) (string, error) {
	norm := strings.TrimSpace(v)
	if !strings.HasPrefix(norm, "v") {
		norm = "v" + norm
	}
	if !semver.IsValid(norm) {
		return "", fmt.Errorf("not a semantic version: %q", v)
	}
	// semver accepts the shorthands v1 and v1.2
	core := strings.TrimSuffix(norm, semver.Build(norm))
	core = strings.TrimSuffix(core, semver.Prerelease(norm))
	if strings.Count(core, ".") != 2 {
		return "", fmt.Errorf("version %q must have major.minor.patch components", v)
	}
	return norm, nil
}

func decode(ext string, data []byte) (string, error) {
	switch strings.ToLower(ext) {
	case ".json":
		var m struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return "", fmt.Errorf("decoding json: %w", err)
		}
		return m.Version, nil

	case ".toml":
		var m tomlManifest
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
			return "", fmt.Errorf("decoding toml: %w", err)
		}
		if m.Version != "" {
			return m.Version, nil
		}
		return m.Package.Version, nil

	case ".yaml", ".yml":
		var m struct {
			Version string `yaml:"version"`
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return "", fmt.Errorf("decoding yaml: %w", err)
		}
		return m.Version, nil

	default:
		return string(data), nil
	}
}
