package tools

import (
	"context"
	"encoding/json"

	bk "github.com/okrause/bridgekeeper"
	"github.com/okrause/bridgekeeper/mcp"
)

func (r *Registry) registerResources(srv *mcp.Server) {
	srv.AddResource(mcp.Resource{
		URI:         "bridgekeeper://event-types",
		Name:        "event-types",
		Description: "Every event type the bridge accepts.",
		MimeType:    "application/json",
		Read: func(ctx context.Context) (string, error) {
			return marshal(bk.EventTypes())
		},
	})
	srv.AddResource(mcp.Resource{
		URI:         "bridgekeeper://bridge-status",
		Name:        "bridge-status",
		Description: "Current state of the bridge worker process.",
		MimeType:    "application/json",
		Read: func(ctx context.Context) (string, error) {
			return marshal(r.Supervisor.Status())
		},
	})
	srv.AddResource(mcp.Resource{
		URI:         "bridgekeeper://responses",
		Name:        "responses",
		Description: "The most recent stored user responses.",
		MimeType:    "application/json",
		Read: func(ctx context.Context) (string, error) {
			rs, err := r.Pipeline.GetResponses(ctx, 25)
			if err != nil {
				return "", err
			}
			return marshal(rs)
		},
	})
	srv.AddResource(mcp.Resource{
		URI:         "bridgekeeper://event-templates",
		Name:        "event-templates",
		Description: "Example payloads per event family, ready to fill in.",
		MimeType:    "application/json",
		Read: func(ctx context.Context) (string, error) {
			return marshal(eventTemplates())
		},
	})
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", bk.Errf(bk.CodeProcessing, "resource not serializable").WithCause(err)
	}
	return string(data), nil
}

// eventTemplates returns a fill-in example per event family.
func eventTemplates() map[string]any {
	return map[string]any{
		string(bk.EventTaskCompleted): map[string]any{
			"type":    string(bk.EventTaskCompleted),
			"task_id": "t-123",
			"title":   "Refactor finished",
			"data":    map[string]any{"status": "completed", "duration_ms": 42000},
		},
		string(bk.EventTaskFailed): map[string]any{
			"type":    string(bk.EventTaskFailed),
			"task_id": "t-123",
			"title":   "Build broke",
			"data":    map[string]any{"status": "failed", "exit_code": 1},
		},
		string(bk.EventApprovalRequest): map[string]any{
			"type":        string(bk.EventApprovalRequest),
			"task_id":     "t-123",
			"title":       "Deploy to production?",
			"description": "All checks passed.",
			"data": map[string]any{
				"response_options": []string{"Approve", "Deny"},
				"timeout_minutes":  30,
			},
		},
		string(bk.EventPerformanceAlert): map[string]any{
			"type":  string(bk.EventPerformanceAlert),
			"title": "p95 latency over budget",
			"data":  map[string]any{"severity": "high", "current": 840.0, "threshold": 500.0},
		},
		string(bk.EventFileChanged): map[string]any{
			"type":  string(bk.EventFileChanged),
			"title": "Config rewritten",
			"data":  map[string]any{"affected_files": []string{"internal/config/config.go"}},
		},
		string(bk.EventTodoUpdated): map[string]any{
			"type":    string(bk.EventTodoUpdated),
			"task_id": "t-123",
			"title":   "Todo list updated",
			"data": map[string]any{
				"status": "in_progress",
				"todo_items": []map[string]string{
					{"content": "write tests", "status": "in_progress"},
				},
			},
		},
	}
}
