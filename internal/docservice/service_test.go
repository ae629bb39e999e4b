package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/plugins"
	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/step"
	"github.com/starford/arbor/internal/storage"
	"github.com/starford/arbor/internal/testutil"
)

type env struct {
	svc     *Service
	db      *journal.DB
	schemas storage.Provider
}

func testEnv(t *testing.T) *env {
	t.Helper()
	_, schemas := testutil.TestSchemaDir(t)
	db := testutil.TestJournal(t)
	bus := event.NewBus(nil, 0)
	bus.Handle(journal.NewRecorder(db, nil).Handle)

	svc := NewService(Config{
		Registry: testutil.TestRegistry(t, schemas),
		Schemas:  schemas,
		Journal:  db,
		Bus:      bus,
		Plugins: func(*model.Schema) []state.Plugin {
			return []state.Plugin{plugins.StatsPlugin(), plugins.ReadOnlyPlugin(), plugins.StampPlugin("modified_by")}
		},
		HookTimeout: time.Second,
	})
	t.Cleanup(func() {
		svc.Shutdown()
		bus.Close()
	})
	return &env{svc: svc, db: db, schemas: schemas}
}

func addParagraph(t *testing.T, parent, id, text string) ApplyRequest {
	t.Helper()
	env, err := step.Encode(step.AddNode{
		Parent: parent,
		Nodes:  []*model.Subtree{model.Leaf(&model.Node{ID: id, Type: "paragraph", Text: text})},
	})
	if err != nil {
		t.Fatal(err)
	}
	return ApplyRequest{Steps: []step.Envelope{env}}
}

// waitRevision polls the journal until the document reaches rev.
func waitRevision(t *testing.T, db *journal.DB, id string, rev int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, err := db.Document(id); err == nil && d.Revision >= rev {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("journal did not reach revision %d", rev)
}

func TestCreateApplyGet(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()

	d, err := e.svc.Create(ctx, "d1", "article", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Schema != "article" || d.Version != 0 || d.Nodes != 1 {
		t.Errorf("detail = %+v", d.Summary)
	}
	root := d.Doc.Root()

	req := addParagraph(t, root, "p1", "hello")
	req.Meta = map[string]any{plugins.MetaAuthor: "ada"}
	res, err := e.svc.Apply(ctx, "d1", req)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Applied || len(res.Transactions) != 2 {
		t.Fatalf("result = %+v", res)
	}
	got := res.Document
	if got.Version != 1 || got.Undo != 1 || got.Checksum == d.Checksum {
		t.Errorf("document = %+v", got.Summary)
	}
	if got.Doc.RootNode().Attrs["modified_by"] != "ada" {
		t.Error("stamp plugin did not run")
	}
	var stats plugins.Stats
	if err := json.Unmarshal(got.Fields[plugins.StatsKey], &stats); err != nil || stats.Nodes != 2 {
		t.Errorf("stats = %+v, %v", stats, err)
	}

	again, err := e.svc.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Checksum != got.Checksum {
		t.Error("Get returned a different document")
	}
}

func TestApply_Errors(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	d, _ := e.svc.Create(ctx, "d1", "article", nil)
	root := d.Doc.Root()

	req := addParagraph(t, root, "p1", "x")
	req.IfMatch = "stale"
	if _, err := e.svc.Apply(ctx, "d1", req); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("if-match: err = %v", err)
	}

	bad, _ := step.Encode(step.AddNode{Parent: root, Nodes: []*model.Subtree{model.Leaf(&model.Node{ID: "x", Type: "table"})}})
	if _, err := e.svc.Apply(ctx, "d1", ApplyRequest{Steps: []step.Envelope{bad}}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("schema: err = %v", err)
	}
	if _, err := e.svc.Apply(ctx, "d1", ApplyRequest{Steps: []step.Envelope{{Type: "teleport", Data: json.RawMessage(`{}`)}}}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if _, err := e.svc.Apply(ctx, "d1", ApplyRequest{}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("empty: err = %v", err)
	}
	if _, err := e.svc.Apply(ctx, "missing", addParagraph(t, root, "p", "x")); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing doc: err = %v", err)
	}

	got, _ := e.svc.Get(ctx, "d1")
	if got.Version != 0 {
		t.Errorf("failed applies changed the document: version %d", got.Version)
	}
}

func TestApply_ReservedMeta(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	d, _ := e.svc.Create(ctx, "d1", "article", nil)
	root := d.Doc.Root()

	for _, key := range []string{state.MetaIsUndo, state.MetaIsRedo, state.MetaJump, state.MetaAppendedFrom} {
		req := addParagraph(t, root, "p-"+key, "x")
		req.Meta = map[string]any{key: true}
		if _, err := e.svc.Apply(ctx, "d1", req); !errors.Is(err, apperr.ErrInvalid) {
			t.Errorf("%s: err = %v", key, err)
		}
	}

	req := addParagraph(t, root, "quiet", "x")
	req.Meta = map[string]any{state.MetaAddToHistory: false}
	res, err := e.svc.Apply(ctx, "d1", req)
	if err != nil || !res.Applied {
		t.Fatalf("add_to_history: %+v, %v", res, err)
	}

	res, err = e.svc.Apply(ctx, "d1", addParagraph(t, root, "loud", "x"))
	if err != nil || res.Document.Undo != 1 {
		t.Fatalf("normal apply not recorded: %+v, %v", res, err)
	}
}

func TestCreate_Errors(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Create(ctx, "", "nope", nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown schema: err = %v", err)
	}
	if _, err := e.svc.Create(ctx, "d1", "article", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Create(ctx, "d1", "article", nil); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate: err = %v", err)
	}
	if _, err := e.svc.Create(ctx, "d2", "article", json.RawMessage(`{"id":"r","type":"paragraph"}`)); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("wrong root type: err = %v", err)
	}
}

func TestCreate_WithInitialTree(t *testing.T) {
	e := testEnv(t)
	initial := `{"id":"r","type":"doc","content":[{"id":"h","type":"heading","text":"Title"}]}`
	d, err := e.svc.Create(context.Background(), "", "article", json.RawMessage(initial))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.ID == "" || d.Nodes != 2 {
		t.Errorf("detail = %+v", d.Summary)
	}
	h, _ := d.Doc.Get("h")
	if h.Attrs["level"] != 1 {
		t.Errorf("heading attrs = %v", h.Attrs)
	}
}

func TestHistoryOps(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	d, _ := e.svc.Create(ctx, "d1", "article", nil)
	for i := range 3 {
		if _, err := e.svc.Apply(ctx, "d1", addParagraph(t, d.Doc.Root(), fmt.Sprintf("p%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.svc.Undo(ctx, "d1")
	if err != nil || !res.Applied || res.Document.Nodes != 3 {
		t.Fatalf("Undo = %+v, %v", res, err)
	}
	res, err = e.svc.Redo(ctx, "d1")
	if err != nil || res.Document.Nodes != 4 {
		t.Fatalf("Redo = %+v, %v", res, err)
	}
	res, err = e.svc.Jump(ctx, "d1", -3)
	if err != nil || res.Document.Nodes != 1 || res.Document.Redo != 3 {
		t.Fatalf("Jump = %+v, %v", res, err)
	}
	res, err = e.svc.Undo(ctx, "d1")
	if err != nil || res.Applied {
		t.Errorf("undo on empty stack = %+v, %v", res, err)
	}
	if _, err := e.svc.Jump(ctx, "d1", 0); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("jump 0: err = %v", err)
	}

	if err := e.svc.ClearHistory(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.svc.Get(ctx, "d1")
	if got.Undo != 0 || got.Redo != 0 {
		t.Errorf("history not cleared: %d/%d", got.Undo, got.Redo)
	}
}

func TestReadOnly(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	d, _ := e.svc.Create(ctx, "d1", "article", nil)

	if err := e.svc.SetReadOnly(ctx, "d1", true); err != nil {
		t.Fatal(err)
	}
	res, err := e.svc.Apply(ctx, "d1", addParagraph(t, d.Doc.Root(), "p", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || res.RejectedBy != plugins.ReadOnlyKey || !res.Document.ReadOnly {
		t.Errorf("result = %+v", res)
	}
}

func TestCloseAndReopenFromJournal(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	d, _ := e.svc.Create(ctx, "d1", "article", nil)
	res, err := e.svc.Apply(ctx, "d1", addParagraph(t, d.Doc.Root(), "p1", "persisted"))
	if err != nil {
		t.Fatal(err)
	}
	waitRevision(t, e.db, "d1", 1)

	if err := e.svc.Close(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Close(ctx, "d1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second close: err = %v", err)
	}

	var wg sync.WaitGroup
	sums := make([]string, 4)
	for i := range sums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.svc.Get(ctx, "d1")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			sums[i] = got.Checksum
		}()
	}
	wg.Wait()
	for _, s := range sums {
		if s != res.Document.Checksum {
			t.Errorf("reopened checksum %s, want %s", s, res.Document.Checksum)
		}
	}
	list, _ := e.svc.List(ctx)
	if len(list) != 1 {
		t.Errorf("open documents = %d, want 1", len(list))
	}

	items, err := e.svc.Transactions(ctx, "d1")
	if err != nil || len(items) != 1 || items[0].Kind != "transaction_applied" {
		t.Errorf("transactions = %+v, %v", items, err)
	}
}

func TestSearch(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	d, _ := e.svc.Create(ctx, "d1", "article", nil)
	if _, err := e.svc.Apply(ctx, "d1", addParagraph(t, d.Doc.Root(), "p1", "structural sharing")); err != nil {
		t.Fatal(err)
	}
	waitRevision(t, e.db, "d1", 1)

	res, err := e.svc.Search(ctx, "sharing", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].NodeID != "p1" {
		t.Errorf("results = %+v", res)
	}
	res, _ = e.svc.Search(ctx, "absent", 10)
	if res == nil || len(res) != 0 {
		t.Errorf("expected empty non-nil results, got %v", res)
	}
}

func TestPutSchema(t *testing.T) {
	e := testEnv(t)
	ctx := context.Background()
	spec := model.SchemaSpec{Name: "memo", Nodes: map[string]model.NodeSpec{"doc": {Content: "line*"}, "line": {}}}

	entry, err := e.svc.PutSchema(ctx, spec)
	if err != nil {
		t.Fatalf("PutSchema: %v", err)
	}
	if entry.Path != "memo.yaml" {
		t.Errorf("path = %q", entry.Path)
	}
	if _, err := e.schemas.Read("memo.yaml"); err != nil {
		t.Errorf("schema file not written: %v", err)
	}
	if _, err := e.svc.Create(ctx, "", "memo", nil); err != nil {
		t.Errorf("Create with new schema: %v", err)
	}

	bad := model.SchemaSpec{Name: "bad", Nodes: map[string]model.NodeSpec{"doc": {Content: "ghost+"}}}
	if _, err := e.svc.PutSchema(ctx, bad); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("invalid spec: err = %v", err)
	}
	if len(e.svc.Schemas(ctx)) != 2 {
		t.Errorf("schemas = %d, want 2", len(e.svc.Schemas(ctx)))
	}
}

func TestAssignIDs(t *testing.T) {
	steps := AssignIDs([]step.Step{
		step.AddNode{Parent: "r", Nodes: []*model.Subtree{
			model.Branch(&model.Node{Type: "list"}, model.Leaf(&model.Node{ID: "keep", Type: "item"})),
		}},
		step.Batch{Steps: []step.Step{step.AddNode{Parent: "r", Nodes: []*model.Subtree{model.Leaf(&model.Node{Type: "p"})}}}},
	})
	first := steps[0].(step.AddNode).Nodes[0]
	if first.Node.ID == "" || first.Children[0].Node.ID != "keep" {
		t.Errorf("ids = %q, %q", first.Node.ID, first.Children[0].Node.ID)
	}
	inner := steps[1].(step.Batch).Steps[0].(step.AddNode)
	if inner.Nodes[0].Node.ID == "" {
		t.Error("batch child id not assigned")
	}
}
