// Package storage defines the schema directory abstraction.
package storage

import "time"

// File describes one schema spec file.
type File struct {
	Path      string
	Checksum  string
	UpdatedAt time.Time
}

// Provider is the interface for schema file operations. Paths are relative
// to the provider root.
type Provider interface {
	// List returns every .yaml or .yml file under dir.
	List(dir string) ([]File, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
}

// IsSpecFile reports whether name has a schema spec extension.
func IsSpecFile(name string) bool {
	switch {
	case len(name) > 5 && name[len(name)-5:] == ".yaml":
		return true
	case len(name) > 4 && name[len(name)-4:] == ".yml":
		return true
	}
	return false
}
