package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/arbor/internal/docservice"
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/plugins"
	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/testutil"
)

func testServer(t *testing.T) (*Server, *docservice.Service) {
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
			return []state.Plugin{plugins.StatsPlugin(), plugins.StampPlugin("modified_by")}
		},
		HookTimeout: time.Second,
	})
	t.Cleanup(func() {
		svc.Shutdown()
		bus.Close()
	})

	return New(svc), svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no "call tool" test helper, so handlers are called directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_documents":
		result, err = srv.listDocuments(ctx, req)
	case "get_document":
		result, err = srv.getDocument(ctx, req)
	case "create_document":
		result, err = srv.createDocument(ctx, req)
	case "apply_steps":
		result, err = srv.applySteps(ctx, req)
	case "undo":
		result, err = srv.undo(ctx, req)
	case "redo":
		result, err = srv.redo(ctx, req)
	case "jump_history":
		result, err = srv.jump(ctx, req)
	case "search_text":
		result, err = srv.searchText(ctx, req)
	case "list_schemas":
		result, err = srv.listSchemas(ctx, req)
	case "get_schema":
		result, err = srv.getSchema(ctx, req)
	case "get_step_contract":
		result, err = srv.getStepContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

const addParagraph = `[{"type":"add_node","data":{"parent":"%s","nodes":[{"node":{"id":"p1","type":"paragraph","text":"tree editing"}}]}}]`

func createDoc(t *testing.T, srv *Server) string {
	t.Helper()
	r := callTool(t, srv, "create_document", map[string]any{"schema": "article", "id": "d1"})
	if r.IsError {
		t.Fatalf("create: %s", resultText(r))
	}
	var d struct {
		Doc struct {
			ID string `json:"id"`
		} `json:"doc"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &d); err != nil {
		t.Fatal(err)
	}
	return d.Doc.ID
}

func TestCreateApplyGet(t *testing.T) {
	srv, _ := testServer(t)
	root := createDoc(t, srv)

	r := callTool(t, srv, "apply_steps", map[string]any{
		"id":     "d1",
		"steps":  strings.Replace(addParagraph, "%s", root, 1),
		"author": "ada",
	})
	if r.IsError {
		t.Fatalf("apply: %s", resultText(r))
	}

	r = callTool(t, srv, "get_document", map[string]any{"id": "d1"})
	text := resultText(r)
	if !strings.Contains(text, `"tree editing"`) {
		t.Errorf("document misses paragraph: %s", text)
	}
	if !strings.Contains(text, `"modified_by": "ada"`) {
		t.Errorf("author not stamped: %s", text)
	}

	r = callTool(t, srv, "list_documents", map[string]any{})
	if !strings.Contains(resultText(r), `"id": "d1"`) {
		t.Errorf("list = %s", resultText(r))
	}
}

func TestApplyStepsErrors(t *testing.T) {
	srv, _ := testServer(t)
	root := createDoc(t, srv)

	r := callTool(t, srv, "apply_steps", map[string]any{"id": "d1", "steps": "not json"})
	if !r.IsError {
		t.Error("expected error for malformed steps")
	}

	r = callTool(t, srv, "apply_steps", map[string]any{"id": "d1"})
	if !r.IsError {
		t.Error("expected error for missing steps")
	}

	r = callTool(t, srv, "apply_steps", map[string]any{
		"id":              "d1",
		"steps":           strings.Replace(addParagraph, "%s", root, 1),
		"expect_checksum": "stale",
	})
	if !r.IsError {
		t.Error("expected error for stale checksum")
	}

	r = callTool(t, srv, "get_document", map[string]any{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing document")
	}
}

func TestHistoryTools(t *testing.T) {
	srv, _ := testServer(t)
	root := createDoc(t, srv)

	if r := callTool(t, srv, "undo", map[string]any{"id": "d1"}); resultText(r) != "nothing to do" {
		t.Errorf("undo on empty history = %q", resultText(r))
	}

	callTool(t, srv, "apply_steps", map[string]any{"id": "d1", "steps": strings.Replace(addParagraph, "%s", root, 1)})

	r := callTool(t, srv, "undo", map[string]any{"id": "d1"})
	if r.IsError || !strings.Contains(resultText(r), `"redo": 1`) {
		t.Fatalf("undo = %s", resultText(r))
	}
	r = callTool(t, srv, "redo", map[string]any{"id": "d1"})
	if r.IsError || !strings.Contains(resultText(r), `"undo": 1`) {
		t.Fatalf("redo = %s", resultText(r))
	}
	r = callTool(t, srv, "jump_history", map[string]any{"id": "d1", "n": -1})
	if r.IsError || !strings.Contains(resultText(r), `"nodes": 1`) {
		t.Fatalf("jump = %s", resultText(r))
	}
}

func TestSearchText(t *testing.T) {
	srv, _ := testServer(t)
	root := createDoc(t, srv)
	callTool(t, srv, "apply_steps", map[string]any{"id": "d1", "steps": strings.Replace(addParagraph, "%s", root, 1)})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r := callTool(t, srv, "search_text", map[string]any{"query": "editing"})
		if strings.Contains(resultText(r), `"node_id": "p1"`) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("search never found the paragraph")
}

func TestSchemaTools(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "list_schemas", map[string]any{})
	if !strings.Contains(resultText(r), "article") {
		t.Errorf("schemas = %s", resultText(r))
	}
	r = callTool(t, srv, "get_schema", map[string]any{"name": "article"})
	if !strings.Contains(resultText(r), "heading? paragraph*") {
		t.Errorf("schema = %s", resultText(r))
	}
	r = callTool(t, srv, "get_step_contract", map[string]any{})
	if resultText(r) != StepFormatContract {
		t.Error("contract mismatch")
	}
}
