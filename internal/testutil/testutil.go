// Package testutil provides shared test helpers for schemas, journals and services.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/schemaload"
	"github.com/starford/arbor/internal/storage"
)

// ArticleSpec is a small schema exercising content expressions, attribute
// defaults and marks.
const ArticleSpec = `name: article
nodes:
  doc:
    content: "heading? paragraph*"
    attrs:
      modified_by: {}
  heading:
    attrs:
      level: {default: 1}
  paragraph:
    marks: "strong em"
    attrs:
      align: {default: left}
marks:
  strong: {}
  em: {}
`

// TestJournal creates a temporary SQLite journal that is automatically cleaned up.
func TestJournal(t *testing.T) *journal.DB {
	t.Helper()
	dbFile, err := os.CreateTemp(t.TempDir(), "arbor-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()

	db, err := journal.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestSchemaDir creates a temporary schema directory holding ArticleSpec.
func TestSchemaDir(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write("article.yaml", []byte(ArticleSpec)); err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// TestRegistry returns a registry with ArticleSpec loaded from store.
func TestRegistry(t *testing.T, store storage.Provider) *schemaload.Registry {
	t.Helper()
	data, err := store.Read("article.yaml")
	if err != nil {
		t.Fatal(err)
	}
	r := schemaload.NewRegistry()
	if _, err := r.Load("article.yaml", data); err != nil {
		t.Fatal(err)
	}
	return r
}
