// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes document tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/arbor/internal/docservice"
	"github.com/starford/arbor/internal/plugins"
	"github.com/starford/arbor/internal/step"
)

const contractURI = "arbor://step-format"

// Server wraps the MCP server with document tools.
type Server struct {
	mcp *server.MCPServer
	svc *docservice.Service
}

// New creates a new MCP server with all document tools registered.
func New(svc *docservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Arbor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List open documents with their schema, version and size."),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Read a document tree together with its checksum and history sizes."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	), s.getDocument)

	s.mcp.AddTool(mcp.NewTool("create_document",
		mcp.WithDescription("Create an empty document of a registered schema."),
		mcp.WithString("schema", mcp.Required(), mcp.Description("Schema name (see list_schemas)")),
		mcp.WithString("id", mcp.Description("Optional document id; a fresh one is generated when empty")),
	), s.createDocument)

	s.mcp.AddTool(mcp.NewTool("apply_steps",
		mcp.WithDescription("Apply a list of steps to a document as one transaction. "+
			"Steps MUST follow the step format contract. Read it first via the "+
			"get_step_contract tool or the "+contractURI+" resource."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("steps", mcp.Required(), mcp.Description("JSON array of step envelopes")),
		mcp.WithString("author", mcp.Description("Optional author recorded in transaction metadata")),
		mcp.WithString("expect_checksum", mcp.Description("Reject the call if the document checksum differs")),
	), s.applySteps)

	s.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Undo the latest change of a document."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	), s.undo)

	s.mcp.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Redo the latest undone change of a document."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	), s.redo)

	s.mcp.AddTool(mcp.NewTool("jump_history",
		mcp.WithDescription("Move several entries through history at once. Negative n undoes, positive redoes."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithNumber("n", mcp.Required(), mcp.Description("Signed number of entries")),
	), s.jump)

	s.mcp.AddTool(mcp.NewTool("search_text",
		mcp.WithDescription("Full-text search through node text of all journaled documents."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchText)

	s.mcp.AddTool(mcp.NewTool("list_schemas",
		mcp.WithDescription("List registered document schemas."),
	), s.listSchemas)

	s.mcp.AddTool(mcp.NewTool("get_schema",
		mcp.WithDescription("Read the node types, content expressions, attributes and marks of a schema."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Schema name")),
	), s.getSchema)

	s.mcp.AddTool(mcp.NewTool("get_step_contract",
		mcp.WithDescription("Returns the step format contract. "+
			"Call this before apply_steps to ensure correct structure."),
	), s.getStepContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Step Format Contract",
			mcp.WithResourceDescription("Wire format of document edit steps."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listDocuments(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.svc.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(docs)
}

func (s *Server) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(d)
}

func (s *Server) createDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schema, err := req.RequireString("schema")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.Create(ctx, req.GetString("id", ""), schema, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(d)
}

func (s *Server) applySteps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("steps")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var envs []step.Envelope
	if err := json.Unmarshal([]byte(raw), &envs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("steps must be a JSON array of envelopes: %v", err)), nil
	}

	ar := docservice.ApplyRequest{Steps: envs, IfMatch: req.GetString("expect_checksum", "")}
	if author := req.GetString("author", ""); author != "" {
		ar.Meta = map[string]any{plugins.MetaAuthor: author}
	}
	res, err := s.svc.Apply(ctx, id, ar)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !res.Applied {
		return mcp.NewToolResultError(fmt.Sprintf("transaction rejected by %s", res.RejectedBy)), nil
	}
	return jsonResult(res)
}

func (s *Server) undo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.history(ctx, req, s.svc.Undo)
}

func (s *Server) redo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.history(ctx, req, s.svc.Redo)
}

func (s *Server) jump(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := req.RequireInt("n")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.history(ctx, req, func(ctx context.Context, id string) (*docservice.ApplyResult, error) {
		return s.svc.Jump(ctx, id, n)
	})
}

func (s *Server) history(ctx context.Context, req mcp.CallToolRequest,
	op func(context.Context, string) (*docservice.ApplyResult, error),
) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := op(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !res.Applied {
		return mcp.NewToolResultText("nothing to do"), nil
	}
	return jsonResult(res)
}

func (s *Server) searchText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

func (s *Server) listSchemas(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries := s.svc.Schemas(ctx)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return jsonResult(names)
}

func (s *Server) getSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	spec, err := s.svc.Schema(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(spec)
}

func (s *Server) getStepContract(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(StepFormatContract), nil
}

func (s *Server) readContractResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     StepFormatContract,
		},
	}, nil
}
