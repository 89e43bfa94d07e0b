package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// syntax is the encoding of a bulk-job file.
type syntax int

const (
	syntaxGuess syntax = iota // YAML, then JSON
	syntaxJSON
	syntaxYAML
)

func syntaxOf(path string) syntax {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return syntaxJSON
	case ".yaml", ".yml":
		return syntaxYAML
	}
	return syntaxGuess
}

// Load reads the bulk-job manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		return LoadFromBytes(data, path)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("bulk job %s not found", path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("bulk job %s is not readable", path)
	default:
		return nil, fmt.Errorf("read bulk job %s: %w", path, err)
	}
}

// LoadFromReader is Load for an already open job file. path only picks
// the syntax and may be empty.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read bulk job: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes decodes a bulk job, checks it against the bulk-job schema,
// fills in defaults and runs Manifest.Check.
//
// YAML and JSON both go through one canonical JSON document, so the
// schema sees keys the typed struct would silently drop.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("bulk job is empty")
	}

	doc, err := canonicalJSON(data, syntaxOf(path))
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	m := new(Manifest)
	if err := json.Unmarshal(doc, m); err != nil {
		return nil, fmt.Errorf("decode bulk job: %w", err)
	}
	m.ApplyDefaults()
	if err := m.Check(); err != nil {
		return nil, err
	}
	return m, nil
}

func canonicalJSON(data []byte, s syntax) ([]byte, error) {
	switch s {
	case syntaxJSON:
		if !json.Valid(data) {
			var v any
			return nil, fmt.Errorf("invalid JSON in bulk job: %w", json.Unmarshal(data, &v))
		}
		return data, nil
	case syntaxYAML:
		return fromYAML(data)
	}

	// YAML is a superset of JSON; plain JSON only remains for input the
	// YAML parser rejects, such as tabs in indentation.
	doc, err := fromYAML(data)
	if err == nil {
		return doc, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, err
}

func fromYAML(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid YAML in bulk job: %w", err)
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bulk job is not representable as JSON: %w", err)
	}
	return doc, nil
}
