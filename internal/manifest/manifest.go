// Package manifest reads the application's package manifest (package.json)
// to derive configuration defaults. The manifest is optional: a missing or
// malformed file yields an empty Manifest together with a State that says
// why, so callers can report it instead of silently ignoring it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// DefaultFile is the manifest looked up when no path is configured.
const DefaultFile = "package.json"

// State describes the outcome of loading a manifest.
type State string

const (
	StateLoaded    State = "loaded"
	StateMissing   State = "missing"
	StateMalformed State = "malformed"
)

// Manifest holds the fields deployr derives defaults from.
type Manifest struct {
	Name    string `json:"name"`
	Main    string `json:"main"`
	Version string `json:"version"`
}

// AppName is Name without an npm scope: "@acme/api" gives "api".
func (m Manifest) AppName() string {
	if strings.HasPrefix(m.Name, "@") {
		if _, name, ok := strings.Cut(m.Name, "/"); ok {
			return name
		}
	}
	return m.Name
}

// Result is the explicit optional-configuration value returned by Load.
// Err is set only for StateMalformed and for unexpected read errors.
type Result struct {
	Path     string
	State    State
	Manifest Manifest
	Err      error
}

// HasDefaults reports whether the manifest contributed any values.
func (r Result) HasDefaults() bool {
	return r.State == StateLoaded
}

// Parse decodes manifest bytes. JSON comments and trailing commas are
// tolerated.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

// Load reads the manifest at path. It never fails: the returned Result
// carries the state and, when relevant, the underlying error.
func Load(path string) Result {
	if path == "" {
		path = DefaultFile
	}
	res := Result{Path: path}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.State = StateMissing
			return res
		}
		res.State = StateMalformed
		res.Err = fmt.Errorf("reading %s: %w", path, err)
		return res
	}
	m, err := Parse(data)
	if err != nil {
		res.State = StateMalformed
		res.Err = fmt.Errorf("%s: %w", path, err)
		return res
	}
	res.State = StateLoaded
	res.Manifest = m
	return res
}
