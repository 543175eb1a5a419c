package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/incrementventures/adt-studio-sub000/internal/queue"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
	"github.com/incrementventures/adt-studio-sub000/internal/studio"
)

// NewMCPServer creates an MCP server exposing books, jobs and node
// outputs of svc.
func NewMCPServer(svc *studio.Service) *server.MCPServer {
	s := server.NewMCPServer(
		"adt-studio",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("adt-studio turns PDF books into web pages. Import a book, enqueue jobs and read stage outputs."),
		server.WithRecovery(),
	)
	deps := Deps{Service: svc}

	s.AddTool(
		mcp.NewTool("list_books",
			mcp.WithDescription("List the books in the data directory, including soft-deleted ones."),
		),
		mcpListBooks(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_job",
			mcp.WithDescription("Queue a job for a book. Types: extract, metadata, page-pipeline, web-rendering."),
			mcp.WithString("type", mcp.Description("Job type"), mcp.Required(),
				mcp.Enum(string(queue.KindExtract), string(queue.KindMetadata), string(queue.KindPagePipeline), string(queue.KindWebRendering))),
			mcp.WithString("label", mcp.Description("Book label"), mcp.Required()),
			mcp.WithString("params", mcp.Description(`JSON params, e.g. {"page_id":"pg001"} or {"path":"/books/a.pdf"}`)),
		),
		mcpEnqueueJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Get the status, progress and result of a job."),
			mcp.WithNumber("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_node",
			mcp.WithDescription("Read the latest stored output of a stage for one item, e.g. page-sectioning for pg001."),
			mcp.WithString("label", mcp.Description("Book label"), mcp.Required()),
			mcp.WithString("node", mcp.Description("Stage name"), mcp.Required()),
			mcp.WithString("item", mcp.Description("Item id: a page, section or 'book'"), mcp.Required()),
		),
		mcpGetNode(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"adt://queue",
			"Job Queue",
			mcp.WithResourceDescription("Queued and running job counts plus every retained job"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpListBooks(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		books, err := deps.Service.Store.Books()
		if err != nil {
			return mcpError(fmt.Sprintf("listing books: %v", err)), nil
		}
		if books == nil {
			books = []storage.BookInfo{}
		}
		return mcpJSON(books), nil
	}
}

func mcpEnqueueJob(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		label, err := req.RequireString("label")
		if err != nil {
			return mcpError("label is required"), nil
		}
		var raw json.RawMessage
		if p := req.GetString("params", ""); p != "" {
			raw = json.RawMessage(p)
		}
		job, err := enqueue(deps, EnqueueRequest{Type: queue.Kind(kind), Label: label, Params: raw})
		if err != nil {
			return mcpError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}
		return mcpJSON(job), nil
	}
}

func mcpGetJob(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return mcpError("id is required"), nil
		}
		job, err := deps.Service.Queue.Get(int64(id))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(job), nil
	}
}

func mcpGetNode(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return mcpError("label is required"), nil
		}
		node, err := req.RequireString("node")
		if err != nil {
			return mcpError("node is required"), nil
		}
		item, err := req.RequireString("item")
		if err != nil {
			return mcpError("item is required"), nil
		}
		if _, err := deps.Service.Book(label); err != nil {
			return mcpError(err.Error()), nil
		}
		rec, err := deps.Service.Store.GetLatest(label, node, item)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no %s output for %s", node, item)), nil
		}
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(NodeResponse{Node: node, Item: item, Version: rec.Version, Data: nullable(rec.Data)}), nil
	}
}

func mcpResourceQueue(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(map[string]any{
			"stats": deps.Service.Queue.Stats(),
			"jobs":  deps.Service.Queue.List(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
