package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/starford/arbor/internal/docservice"
	"github.com/starford/arbor/internal/editor"
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/plugins"
	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/step"
	"github.com/starford/arbor/internal/testutil"
)

// testEnv sets up a schema dir, SQLite journal, service, and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*docservice.Service, http.Handler) {
	t.Helper()
	_, schemas := testutil.TestSchemaDir(t)
	db := testutil.TestJournal(t)
	bus := event.NewBus(nil, 0)
	bus.Handle(journal.NewRecorder(db, nil).Handle)

	svc := docservice.NewService(docservice.Config{
		Registry: testutil.TestRegistry(t, schemas),
		Schemas:  schemas,
		Journal:  db,
		Bus:      bus,
		Plugins: func(*model.Schema) []state.Plugin {
			return []state.Plugin{plugins.StatsPlugin(), plugins.ReadOnlyPlugin()}
		},
		Catalog:     plugins.Catalog("modified_by"),
		Middleware:  []editor.Middleware{plugins.StepLimit(8)},
		HookTimeout: time.Second,
	})
	t.Cleanup(func() {
		svc.Shutdown()
		bus.Close()
	})
	return svc, NewRouter(svc, authToken != "", authToken, nil)
}

func do(t *testing.T, h http.Handler, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type docBody struct {
	ID       string          `json:"id"`
	Version  uint64          `json:"version"`
	Nodes    int             `json:"nodes"`
	Checksum string          `json:"checksum"`
	Undo     int             `json:"undo"`
	Redo     int             `json:"redo"`
	Plugins  []string        `json:"plugins"`
	Doc      json.RawMessage `json:"doc"`
}

type resultBody struct {
	Applied    bool    `json:"applied"`
	RejectedBy string  `json:"rejected_by"`
	Document   docBody `json:"document"`
}

func createDoc(t *testing.T, h http.Handler, id string) docBody {
	t.Helper()
	w := do(t, h, http.MethodPost, "/documents", map[string]any{
		"id":     id,
		"schema": "article",
		"doc":    map[string]any{"id": "root", "type": "doc"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var d docBody
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func paragraph(t *testing.T, id, text string) ApplyRequest {
	t.Helper()
	env, err := step.Encode(step.AddNode{
		Parent: "root",
		Nodes:  []*model.Subtree{model.Leaf(&model.Node{ID: id, Type: "paragraph", Text: text})},
	})
	if err != nil {
		t.Fatal(err)
	}
	return ApplyRequest{Steps: []step.Envelope{env}}
}

func TestCreateAndGetDocument(t *testing.T) {
	_, router := testEnv(t, "")

	created := createDoc(t, router, "d1")
	if created.ID != "d1" || created.Nodes != 1 {
		t.Fatalf("created = %+v", created)
	}

	w := do(t, router, http.MethodGet, "/documents/d1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if etag := w.Header().Get("ETag"); etag != strconv.Quote(created.Checksum) {
		t.Errorf("ETag = %q, want %q", etag, created.Checksum)
	}

	w = do(t, router, http.MethodGet, "/documents/d1", nil, "If-None-Match", strconv.Quote(created.Checksum))
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional get = %d, want 304", w.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodPost, "/documents", map[string]any{"id": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing schema = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/documents", map[string]any{"id": "a b", "schema": "article"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/documents", map[string]any{"schema": "nope"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown schema = %d, want 404", w.Code)
	}

	createDoc(t, router, "dup")
	if w := do(t, router, http.MethodPost, "/documents", map[string]any{"id": "dup", "schema": "article"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/documents", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("broken JSON = %d, want 400", w.Code)
	}
}

func TestApplyWithIfMatch(t *testing.T) {
	_, router := testEnv(t, "")
	created := createDoc(t, router, "d1")

	w := do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, "p1", "hello"),
		"If-Match", strconv.Quote(created.Checksum))
	if w.Code != http.StatusOK {
		t.Fatalf("apply = %d, body = %s", w.Code, w.Body.String())
	}
	var res resultBody
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Applied || res.Document.Nodes != 2 || res.Document.Undo != 1 {
		t.Fatalf("result = %+v", res)
	}

	// The checksum moved on, so the old one is stale.
	w = do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, "p2", "again"),
		"If-Match", strconv.Quote(created.Checksum))
	if w.Code != http.StatusPreconditionFailed {
		t.Errorf("stale If-Match = %d, want 412", w.Code)
	}

	// No If-Match means no locking.
	w = do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, "p2", "again"))
	if w.Code != http.StatusOK {
		t.Errorf("apply without If-Match = %d, want 200", w.Code)
	}
}

func TestApplyErrors(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "d1")

	if w := do(t, router, http.MethodPost, "/documents/d1/transactions", ApplyRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty steps = %d, want 400", w.Code)
	}

	bad := ApplyRequest{Steps: []step.Envelope{{Type: "teleport", Data: json.RawMessage(`{}`)}}}
	if w := do(t, router, http.MethodPost, "/documents/d1/transactions", bad); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown step = %d, want 422", w.Code)
	}

	// A heading after a paragraph violates "heading? paragraph*".
	do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, "p1", "x"))
	env, _ := step.Encode(step.AddNode{
		Parent: "root",
		Nodes:  []*model.Subtree{model.Leaf(&model.Node{ID: "h1", Type: "heading"})},
	})
	w := do(t, router, http.MethodPost, "/documents/d1/transactions", ApplyRequest{Steps: []step.Envelope{env}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("schema violation = %d, want 422", w.Code)
	}

	if w := do(t, router, http.MethodPost, "/documents/missing/transactions", paragraph(t, "p9", "x")); w.Code != http.StatusNotFound {
		t.Errorf("missing document = %d, want 404", w.Code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "d1")
	for i, id := range []string{"p1", "p2", "p3"} {
		if w := do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, id, strconv.Itoa(i))); w.Code != http.StatusOK {
			t.Fatalf("apply %s = %d", id, w.Code)
		}
	}

	var res resultBody
	w := do(t, router, http.MethodPost, "/documents/d1/undo", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || res.Document.Nodes != 3 || res.Document.Redo != 1 {
		t.Fatalf("undo = %d %+v", w.Code, res)
	}

	w = do(t, router, http.MethodPost, "/documents/d1/jump", JumpRequest{N: -2})
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || res.Document.Nodes != 1 || res.Document.Redo != 3 {
		t.Fatalf("jump = %d %+v", w.Code, res)
	}

	w = do(t, router, http.MethodPost, "/documents/d1/redo", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || res.Document.Nodes != 2 {
		t.Fatalf("redo = %d %+v", w.Code, res)
	}

	if w := do(t, router, http.MethodPost, "/documents/d1/jump", JumpRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("jump 0 = %d, want 400", w.Code)
	}

	if w := do(t, router, http.MethodDelete, "/documents/d1/history", nil); w.Code != http.StatusNoContent {
		t.Fatalf("clear history = %d", w.Code)
	}
	w = do(t, router, http.MethodPost, "/documents/d1/undo", nil)
	res = resultBody{}
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Applied {
		t.Error("undo after clear should not apply")
	}
}

func TestReadOnlyRejects(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "d1")

	if w := do(t, router, http.MethodPut, "/documents/d1/readonly", ReadOnlyRequest{ReadOnly: true}); w.Code != http.StatusNoContent {
		t.Fatalf("lock = %d", w.Code)
	}
	w := do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, "p1", "x"))
	var res resultBody
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || res.Applied || res.RejectedBy != plugins.ReadOnlyKey {
		t.Fatalf("locked apply = %d %+v", w.Code, res)
	}
}

func TestPluginRoutes(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "d1")

	w := do(t, router, http.MethodPut, "/documents/d1/plugins/stamp", nil)
	var d docBody
	_ = json.Unmarshal(w.Body.Bytes(), &d)
	if w.Code != http.StatusOK || !slices.Contains(d.Plugins, plugins.StampKey) {
		t.Fatalf("register = %d %+v", w.Code, d.Plugins)
	}

	req := paragraph(t, "p1", "x")
	req.Meta = map[string]any{plugins.MetaAuthor: "ada"}
	w = do(t, router, http.MethodPost, "/documents/d1/transactions", req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"modified_by":"ada"`) {
		t.Fatalf("stamped apply = %d %s", w.Code, w.Body.String())
	}

	if w := do(t, router, http.MethodPut, "/documents/d1/plugins/stamp", nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate register = %d", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/documents/d1/plugins/spellcheck", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown plugin = %d", w.Code)
	}

	w = do(t, router, http.MethodDelete, "/documents/d1/plugins/readonly", nil)
	d = docBody{}
	_ = json.Unmarshal(w.Body.Bytes(), &d)
	if w.Code != http.StatusOK || slices.Contains(d.Plugins, plugins.ReadOnlyKey) {
		t.Fatalf("unregister = %d %+v", w.Code, d.Plugins)
	}
	if w := do(t, router, http.MethodDelete, "/documents/d1/plugins/readonly", nil); w.Code != http.StatusNotFound {
		t.Errorf("second unregister = %d", w.Code)
	}
}

func TestStepLimit(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "d1")

	var req ApplyRequest
	for i := range 9 {
		req.Steps = append(req.Steps, paragraph(t, fmt.Sprintf("p%d", i), "x").Steps...)
	}
	w := do(t, router, http.MethodPost, "/documents/d1/transactions", req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversized apply = %d %s", w.Code, w.Body.String())
	}

	req.Steps = req.Steps[:8]
	if w := do(t, router, http.MethodPost, "/documents/d1/transactions", req); w.Code != http.StatusOK {
		t.Fatalf("apply at the limit = %d %s", w.Code, w.Body.String())
	}
}

func TestCloseAndList(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "a")
	createDoc(t, router, "b")

	w := do(t, router, http.MethodGet, "/documents", nil)
	var list DocumentListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Documents) != 2 {
		t.Fatalf("documents = %d, want 2", len(list.Documents))
	}

	if w := do(t, router, http.MethodDelete, "/documents/a", nil); w.Code != http.StatusNoContent {
		t.Fatalf("close = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/documents/zzz", nil); w.Code != http.StatusNotFound {
		t.Errorf("close missing = %d, want 404", w.Code)
	}
}

func TestTransactionsAndSearch(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "d1")
	do(t, router, http.MethodPost, "/documents/d1/transactions", paragraph(t, "p1", "persistent trees"))

	deadline := time.Now().Add(5 * time.Second)
	var list TransactionListResponse
	for time.Now().Before(deadline) {
		w := do(t, router, http.MethodGet, "/documents/d1/transactions", nil)
		_ = json.Unmarshal(w.Body.Bytes(), &list)
		if len(list.Transactions) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(list.Transactions) != 1 || list.Transactions[0].Kind != event.TransactionApplied.String() {
		t.Fatalf("transactions = %+v", list.Transactions)
	}

	w := do(t, router, http.MethodGet, "/search?q=persistent", nil)
	var sr SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &sr)
	if len(sr.Results) != 1 || sr.Results[0].NodeID != "p1" {
		t.Errorf("search = %+v", sr.Results)
	}

	if w := do(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search without q = %d, want 400", w.Code)
	}
}

func TestSchemaRoutes(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/schemas", nil)
	var list SchemaListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Schemas) != 1 || list.Schemas[0].Name != "article" {
		t.Fatalf("schemas = %+v", list.Schemas)
	}

	if w := do(t, router, http.MethodGet, "/schemas/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing schema = %d, want 404", w.Code)
	}

	spec := SchemaSpec{
		Name:  "note",
		Nodes: map[string]model.NodeSpec{"doc": {Content: "line*"}, "line": {}},
	}
	if w := do(t, router, http.MethodPut, "/schemas/note", spec); w.Code != http.StatusOK {
		t.Fatalf("put schema = %d, body = %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodGet, "/schemas/note", nil); w.Code != http.StatusOK {
		t.Errorf("get new schema = %d", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/schemas/other", spec); w.Code != http.StatusBadRequest {
		t.Errorf("mismatched name = %d, want 400", w.Code)
	}
}

func TestAuth(t *testing.T) {
	_, router := testEnv(t, "secret")

	if w := do(t, router, http.MethodGet, "/documents", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/documents", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/documents", nil, "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthQueryToken(t *testing.T) {
	_, router := testEnv(t, "secret")

	if w := do(t, router, http.MethodGet, "/documents?access_token=secret", nil); w.Code != http.StatusOK {
		t.Errorf("query token on GET = %d, want 200", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/documents?access_token=secret", CreateDocumentRequest{Schema: "article"}); w.Code != http.StatusUnauthorized {
		t.Errorf("query token on POST = %d, want 401", w.Code)
	}
}

func TestErrorBodyCarriesCode(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/documents/missing", nil)
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusNotFound || body.Code != "not_found" {
		t.Errorf("status = %d, code = %q", w.Code, body.Code)
	}
}
