package schemaload

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/starford/arbor/internal/checksum"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/storage"
)

// Callback kinds.
const (
	KindLoaded  = "loaded"
	KindRemoved = "removed"
)

// EventCallback is called after the registry changes. name is the schema name.
type EventCallback func(kind, name string)

// Entry is one registered schema.
type Entry struct {
	Name     string        `json:"name"`
	Path     string        `json:"path,omitempty"` // empty for schemas registered in code
	Checksum string        `json:"checksum,omitempty"`
	LoadedAt time.Time     `json:"loaded_at"`
	Schema   *model.Schema `json:"-"`
}

// Registry holds compiled schemas. It is safe for concurrent use.
// Replacing a schema never affects documents created from the old one.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Entry
	byPath map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Entry),
		byPath: make(map[string]string),
	}
}

// Register adds a schema built in code under its own name.
func (r *Registry) Register(s *model.Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[s.Name()]; ok && prev.Path != "" {
		return fmt.Errorf("schemaload: %q already loaded from %s", s.Name(), prev.Path)
	}
	r.byName[s.Name()] = Entry{Name: s.Name(), Schema: s, LoadedAt: time.Now().UTC()}
	return nil
}

// Get returns the schema registered under name.
func (r *Registry) Get(name string) (*model.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e.Schema, ok
}

// Entries returns all entries sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Checksums returns the checksum of every file-backed entry keyed by path.
func (r *Registry) Checksums() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byPath))
	for p, name := range r.byPath {
		out[p] = r.byName[name].Checksum
	}
	return out
}

// Load compiles data read from file and registers it, replacing the
// previous version from the same file. A name already owned by another
// file is an error.
func (r *Registry) Load(file string, data []byte) (Entry, error) {
	s, err := Compile(data, file)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Name:     s.Name(),
		Path:     file,
		Checksum: checksum.Sum(data),
		LoadedAt: time.Now().UTC(),
		Schema:   s,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[e.Name]; ok && prev.Path != file {
		return Entry{}, fmt.Errorf("schemaload: %q already registered from %q", e.Name, prev.Path)
	}
	if old, ok := r.byPath[file]; ok && old != e.Name {
		delete(r.byName, old)
	}
	r.byName[e.Name] = e
	r.byPath[file] = e.Name
	return e, nil
}

// Unload removes the schema loaded from file.
func (r *Registry) Unload(file string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byPath[file]
	if !ok {
		return "", false
	}
	delete(r.byPath, file)
	delete(r.byName, name)
	return name, true
}

// Sync brings the registry in line with the files of store: new and
// changed files are loaded, entries whose file is gone are removed. A file
// that fails to compile is logged and keeps its previous version.
func Sync(r *Registry, store storage.Provider, logger *slog.Logger, cb EventCallback) error {
	files, err := store.List("")
	if err != nil {
		return err
	}
	known := r.Checksums()

	disk := make(map[string]struct{}, len(files))
	for _, f := range files {
		disk[f.Path] = struct{}{}
		if known[f.Path] == f.Checksum {
			continue
		}
		loadFile(r, store, f.Path, logger, cb)
	}

	for p := range known {
		if _, ok := disk[p]; ok {
			continue
		}
		if name, ok := r.Unload(p); ok {
			logger.Debug("schemaload: removed", slog.String("path", p), slog.String("schema", name))
			if cb != nil {
				cb(KindRemoved, name)
			}
		}
	}
	return nil
}

func loadFile(r *Registry, store storage.Provider, file string, logger *slog.Logger, cb EventCallback) {
	data, err := store.Read(file)
	if err != nil {
		logger.Warn("schemaload: read failed", slog.String("path", file), slog.String("error", err.Error()))
		return
	}
	e, err := r.Load(file, data)
	if err != nil {
		logger.Warn("schemaload: load failed", slog.String("path", file), slog.String("error", err.Error()))
		return
	}
	logger.Debug("schemaload: loaded", slog.String("path", file), slog.String("schema", e.Name))
	if cb != nil {
		cb(KindLoaded, e.Name)
	}
}
