// Package schemaload reads schema specs from YAML files and keeps a
// registry of compiled schemas keyed by name.
package schemaload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/arbor/internal/model"
)

// ErrEmptySpec is returned for a file without a YAML document.
var ErrEmptySpec = errors.New("schemaload: empty spec")

// Parse decodes a YAML schema spec. Unknown keys are rejected. A spec
// without a name takes the base name of file, extension stripped.
func Parse(data []byte, file string) (model.SchemaSpec, error) {
	var spec model.SchemaSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return spec, ErrEmptySpec
		}
		return spec, fmt.Errorf("schemaload: decode %s: %w", file, err)
	}
	if spec.Name == "" {
		spec.Name = NameFromPath(file)
	}
	if spec.Name == "" {
		return spec, fmt.Errorf("schemaload: %s: spec has no name", file)
	}
	return spec, nil
}

// Compile parses data and builds the schema.
func Compile(data []byte, file string) (*model.Schema, error) {
	spec, err := Parse(data, file)
	if err != nil {
		return nil, err
	}
	s, err := model.NewSchema(spec)
	if err != nil {
		return nil, fmt.Errorf("schemaload: %s: %w", file, err)
	}
	return s, nil
}

// Marshal encodes spec as YAML.
func Marshal(spec model.SchemaSpec) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return nil, fmt.Errorf("schemaload: encode %s: %w", spec.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NameFromPath returns the file's base name without its extension.
func NameFromPath(file string) string {
	base := path.Base(strings.ReplaceAll(file, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
