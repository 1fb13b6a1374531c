// CLAUDE:SUMMARY Registers the harvester MCP tools: add task, status, refresh instrument, compute frequency.
package harvest

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/kit"
	"github.com/hazyhaar/harvest/task"
)

// RegisterMCP registers the harvester tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerAddTaskTool(srv)
	s.registerStatusTool(srv)
	s.registerRefreshTool(srv)
	s.registerFrequencyTool(srv)
}

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.logger, tool.Name)(ep), decode)
}

// --- add_task ---

type addTaskRequest struct {
	Type     string         `json:"type"`
	Symbol   string         `json:"symbol,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

func (s *Service) registerAddTaskTool(srv *mcp.Server) {
	types := make([]any, 0, len(task.Types))
	for _, t := range task.Types {
		types = append(types, string(t))
	}
	tool := &mcp.Tool{
		Name:        "harvest_add_task",
		Description: "Queue a harvesting task. Returns the task id.",
		InputSchema: kit.InputSchema(map[string]any{
			"type":     map[string]any{"type": "string", "enum": types, "description": "Task type"},
			"symbol":   map[string]any{"type": "string", "description": "Instrument symbol (required except for market_scan)"},
			"priority": map[string]any{"type": "string", "enum": []any{"HIGH", "MEDIUM", "LOW"}, "description": "Priority (default MEDIUM)"},
			"options":  map[string]any{"type": "object", "description": "Handler options, e.g. {\"limit\": 10}"},
		}, "type"),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*addTaskRequest)
		id, err := s.AddTask(ctx, task.Request{
			Type:     task.Type(r.Type),
			Symbol:   r.Symbol,
			Priority: instrument.Priority(r.Priority),
			Options:  r.Options,
		})
		if err != nil && id == "" {
			return nil, err
		}
		out := map[string]string{"id": id}
		if err != nil {
			out["warning"] = err.Error()
		}
		return out, nil
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[addTaskRequest]())
}

// --- status ---

type statusRequest struct{}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "harvest_status",
		Description: "Report queue depth, task counters, scheduler state and component health.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}
	ep := func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx), nil
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[statusRequest]())
}

// --- refresh ---

type symbolRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Service) registerRefreshTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "harvest_refresh",
		Description: "Recompute one instrument's cadence from the catalog and reset its timer.",
		InputSchema: kit.InputSchema(map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Instrument symbol"},
		}, "symbol"),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Scheduler.RefreshInstrument(ctx, req.(*symbolRequest).Symbol)
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[symbolRequest]())
}

// --- frequency ---

func (s *Service) registerFrequencyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "harvest_frequency",
		Description: "Compute the current harvesting cadence of an instrument with its multiplier breakdown.",
		InputSchema: kit.InputSchema(map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Instrument symbol"},
		}, "symbol"),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		inst, f, err := s.Frequency(ctx, req.(*symbolRequest).Symbol)
		if err != nil {
			return nil, err
		}
		return frequencyReply{Instrument: inst.Symbol, Frequency: f, Interval: f.Interval().String()}, nil
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[symbolRequest]())
}
