// Package tools binds the bridge's operations to the MCP surface: every
// tool declares a JSON-schema input, validated before the handler runs, and
// returns either {success, ...} or a structured {code, message, metadata}
// error.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	bk "github.com/okrause/bridgekeeper"
	"github.com/okrause/bridgekeeper/internal/bridge"
	"github.com/okrause/bridgekeeper/mcp"
	"github.com/okrause/bridgekeeper/spool"
)

// Registry owns the components the tools act on.
type Registry struct {
	Pipeline   *bk.Pipeline
	Supervisor *bridge.Supervisor
	Spool      *spool.Spool
	Health     *bk.HealthRegistry
	Hub        *bk.Hub
	Logger     *slog.Logger
}

// Register installs every tool and resource on the server.
func (r *Registry) Register(srv *mcp.Server) error {
	if r.Logger == nil {
		r.Logger = slog.New(slog.DiscardHandler)
	}
	for _, t := range []mcp.Tool{
		r.sendEvent(),
		r.sendMessage(),
		r.sendTaskCompletion(),
		r.sendPerformanceAlert(),
		r.sendApprovalRequest(),
		r.getResponses(),
		r.processPendingResponses(),
		r.clearOldResponses(),
		r.getBridgeStatus(),
		r.startBridge(),
		r.stopBridge(),
		r.restartBridge(),
		r.ensureBridgeRunning(),
		r.checkBridgeProcess(),
		r.listEventTypes(),
		r.getTaskStatus(),
		r.todo(),
	} {
		if err := srv.AddTool(t); err != nil {
			return err
		}
	}
	r.registerResources(srv)
	return nil
}

// okResult is the common success shape.
type okResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func ok(eventID, msg string) okResult {
	return okResult{Success: true, EventID: eventID, Message: msg}
}

func okPayload(payload any, msg string) okResult {
	return okResult{Success: true, Payload: payload, Message: msg}
}

// --- event dispatch tools ---

func (r *Registry) sendEvent() mcp.Tool {
	typeNames := make([]any, 0)
	for _, t := range bk.EventTypes() {
		typeNames = append(typeNames, string(t))
	}
	return mcp.Tool{
		Name:        "send_event",
		Description: "Send a structured event to the user's chat. The event is validated, spooled durably, and delivered with retry.",
		Schema: obj(map[string]any{
			"type":        map[string]any{"type": "string", "enum": typeNames},
			"task_id":     str(),
			"title":       map[string]any{"type": "string", "maxLength": bk.MaxTitleLen},
			"description": map[string]any{"type": "string", "maxLength": bk.MaxDescriptionLen},
			"data":        map[string]any{"type": "object"},
		}, "type"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Type        string          `json:"type"`
				TaskID      string          `json:"task_id"`
				Title       string          `json:"title"`
				Description string          `json:"description"`
				Data        json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, bk.Errf(bk.CodeValidationFailed, "unreadable arguments")
			}
			ev := bk.Event{
				Type:        bk.EventType(in.Type),
				TaskID:      in.TaskID,
				Title:       in.Title,
				Description: in.Description,
			}
			if len(in.Data) > 0 {
				if err := json.Unmarshal(in.Data, &ev.Data); err != nil {
					return nil, bk.Errf(bk.CodeValidationFailed, "data is not a valid attribute object")
				}
			}
			id, err := r.Pipeline.SendEvent(ctx, ev)
			if err != nil {
				return nil, err
			}
			return ok(id, "event dispatched"), nil
		},
	}
}

func (r *Registry) sendMessage() mcp.Tool {
	return mcp.Tool{
		Name:        "send_message",
		Description: "Send a plain text notification to the user's chat without creating an event record.",
		Schema:      obj(map[string]any{"message": str()}, "message"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, bk.Errf(bk.CodeValidationFailed, "unreadable arguments")
			}
			if err := r.Pipeline.SendMessage(ctx, in.Message); err != nil {
				return nil, err
			}
			return ok("", "message sent"), nil
		},
	}
}

func (r *Registry) sendTaskCompletion() mcp.Tool {
	return mcp.Tool{
		Name:        "send_task_completion",
		Description: "Report a finished task with optional duration.",
		Schema: obj(map[string]any{
			"task_id":     str(),
			"title":       str(),
			"detail":      str(),
			"duration_ms": map[string]any{"type": "integer", "minimum": 0},
		}, "task_id", "title"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID     string `json:"task_id"`
				Title      string `json:"title"`
				Detail     string `json:"detail"`
				DurationMS int64  `json:"duration_ms"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, bk.Errf(bk.CodeValidationFailed, "unreadable arguments")
			}
			id, err := r.Pipeline.SendTaskCompletion(ctx, in.TaskID, in.Title, in.Detail, in.DurationMS)
			if err != nil {
				return nil, err
			}
			return ok(id, "completion reported"), nil
		},
	}
}

func (r *Registry) sendPerformanceAlert() mcp.Tool {
	return mcp.Tool{
		Name:        "send_performance_alert",
		Description: "Report a metric crossing its threshold.",
		Schema: obj(map[string]any{
			"title":     str(),
			"current":   map[string]any{"type": "number"},
			"threshold": map[string]any{"type": "number"},
			"severity":  map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "critical"}},
		}, "title", "current", "threshold"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Title     string  `json:"title"`
				Current   float64 `json:"current"`
				Threshold float64 `json:"threshold"`
				Severity  string  `json:"severity"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, bk.Errf(bk.CodeValidationFailed, "unreadable arguments")
			}
			id, err := r.Pipeline.SendPerformanceAlert(ctx, in.Title, in.Current, in.Threshold, severityOf(in.Severity))
			if err != nil {
				return nil, err
			}
			return ok(id, "alert dispatched"), nil
		},
	}
}

func (r *Registry) sendApprovalRequest() mcp.Tool {
	return mcp.Tool{
		Name:        "send_approval_request",
		Description: "Ask the user to approve or deny an action; options become chat buttons whose answers come back as responses.",
		Schema: obj(map[string]any{
			"task_id":         str(),
			"title":           str(),
			"description":     str(),
			"options":         map[string]any{"type": "array", "items": str()},
			"timeout_minutes": map[string]any{"type": "integer", "minimum": 0},
		}, "task_id", "title"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID         string   `json:"task_id"`
				Title          string   `json:"title"`
				Description    string   `json:"description"`
				Options        []string `json:"options"`
				TimeoutMinutes int      `json:"timeout_minutes"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, bk.Errf(bk.CodeValidationFailed, "unreadable arguments")
			}
			id, err := r.Pipeline.SendApprovalRequest(ctx, in.TaskID, in.Title, in.Description, in.Options, in.TimeoutMinutes)
			if err != nil {
				return nil, err
			}
			return ok(id, "approval requested"), nil
		},
	}
}

// --- response tools ---

func (r *Registry) getResponses() mcp.Tool {
	return mcp.Tool{
		Name:        "get_responses",
		Description: "Return the newest stored user responses, most recent first.",
		Schema: obj(map[string]any{
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Limit int `json:"limit"`
			}
			_ = json.Unmarshal(args, &in)
			rs, err := r.Pipeline.GetResponses(ctx, in.Limit)
			if err != nil {
				return nil, err
			}
			return okPayload(rs, "responses listed"), nil
		},
	}
}

func (r *Registry) processPendingResponses() mcp.Tool {
	return mcp.Tool{
		Name:        "process_pending_responses",
		Description: "Return responses received at or after the given RFC3339 timestamp (default: last 10 minutes).",
		Schema: obj(map[string]any{
			"since": map[string]any{"type": "string", "format": "date-time"},
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Since string `json:"since"`
			}
			_ = json.Unmarshal(args, &in)
			since := time.Now().Add(-10 * time.Minute)
			if in.Since != "" {
				t, err := time.Parse(time.RFC3339, in.Since)
				if err != nil {
					return nil, bk.Errf(bk.CodeValidationFailed, "since must be RFC3339")
				}
				since = t
			}
			rs, err := r.Pipeline.ProcessPendingResponses(ctx, since)
			if err != nil {
				return nil, err
			}
			return okPayload(rs, "pending responses"), nil
		},
	}
}

func (r *Registry) clearOldResponses() mcp.Tool {
	return mcp.Tool{
		Name:        "clear_old_responses",
		Description: "Delete stored responses older than the given number of hours (default 24).",
		Schema: obj(map[string]any{
			"older_than_hours": map[string]any{"type": "integer", "minimum": 1},
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				OlderThanHours int `json:"older_than_hours"`
			}
			_ = json.Unmarshal(args, &in)
			removed, err := r.Pipeline.ClearOldResponses(ctx, time.Duration(in.OlderThanHours)*time.Hour)
			if err != nil {
				return nil, err
			}
			return okPayload(map[string]int{"removed": removed}, "old responses cleared"), nil
		},
	}
}

// --- bridge lifecycle tools ---

func (r *Registry) getBridgeStatus() mcp.Tool {
	return mcp.Tool{
		Name:        "get_bridge_status",
		Description: "Return the bridge worker's state, PID, restart count, and last error.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return okPayload(r.Supervisor.Status(), "bridge status"), nil
		},
	}
}

func (r *Registry) startBridge() mcp.Tool {
	return mcp.Tool{
		Name:        "start_bridge",
		Description: "Start the bridge worker process and wait for it to report healthy.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := r.Supervisor.Start(ctx); err != nil {
				return nil, err
			}
			return okPayload(r.Supervisor.Status(), "bridge started"), nil
		},
	}
}

func (r *Registry) stopBridge() mcp.Tool {
	return mcp.Tool{
		Name:        "stop_bridge",
		Description: "Stop the bridge worker process.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := r.Supervisor.Stop(ctx); err != nil {
				return nil, err
			}
			return okPayload(r.Supervisor.Status(), "bridge stopped"), nil
		},
	}
}

func (r *Registry) restartBridge() mcp.Tool {
	return mcp.Tool{
		Name:        "restart_bridge",
		Description: "Restart the bridge worker with backoff; repeated churn trips the bridge circuit.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := r.Supervisor.Restart(ctx); err != nil {
				return nil, err
			}
			return okPayload(r.Supervisor.Status(), "bridge restarted"), nil
		},
	}
}

func (r *Registry) ensureBridgeRunning() mcp.Tool {
	return mcp.Tool{
		Name:        "ensure_bridge_running",
		Description: "Start the bridge if stopped, restart it if unhealthy, no-op if already running.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := r.Supervisor.EnsureRunning(ctx); err != nil {
				return nil, err
			}
			return okPayload(r.Supervisor.Status(), "bridge running"), nil
		},
	}
}

func (r *Registry) checkBridgeProcess() mcp.Tool {
	return mcp.Tool{
		Name:        "check_bridge_process",
		Description: "Probe the bridge worker's health endpoint without changing its state.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			st := r.Supervisor.Status()
			healthy := st.State == bridge.StateRunning
			return okPayload(map[string]any{"healthy": healthy, "status": st}, "bridge checked"), nil
		},
	}
}

// --- introspection tools ---

func (r *Registry) listEventTypes() mcp.Tool {
	return mcp.Tool{
		Name:        "list_event_types",
		Description: "List every event type the bridge accepts.",
		Schema:      obj(nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return okPayload(bk.EventTypes(), "event types"), nil
		},
	}
}

func (r *Registry) getTaskStatus() mcp.Tool {
	return mcp.Tool{
		Name:        "get_task_status",
		Description: "Return the spooled events and responses recorded for one task.",
		Schema:      obj(map[string]any{"task_id": str()}, "task_id"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.TaskID == "" {
				return nil, bk.Errf(bk.CodeValidationFailed, "task_id is required")
			}
			events, _, err := r.Spool.Iterate(ctx, "", 0)
			if err != nil {
				return nil, err
			}
			var mine []bk.Event
			for _, ev := range events {
				if ev.TaskID == in.TaskID {
					mine = append(mine, ev)
				}
			}
			responses, err := r.Pipeline.GetResponses(ctx, 0)
			if err != nil {
				return nil, err
			}
			var answers []bk.Response
			for _, resp := range responses {
				if resp.TaskID == in.TaskID {
					answers = append(answers, resp)
				}
			}
			return okPayload(map[string]any{
				"task_id":   in.TaskID,
				"events":    mine,
				"responses": answers,
			}, "task status"), nil
		},
	}
}

func (r *Registry) todo() mcp.Tool {
	return mcp.Tool{
		Name:        "todo",
		Description: "Publish the orchestrator's current todo list as a progress event.",
		Schema: obj(map[string]any{
			"task_id": str(),
			"items": map[string]any{
				"type": "array",
				"items": obj(map[string]any{
					"content": str(),
					"status":  map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed"}},
				}, "content", "status"),
			},
		}, "items"),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID string `json:"task_id"`
				Items  []struct {
					Content string `json:"content"`
					Status  string `json:"status"`
				} `json:"items"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, bk.Errf(bk.CodeValidationFailed, "unreadable arguments")
			}
			done := 0
			for _, it := range in.Items {
				if it.Status == "completed" {
					done++
				}
			}
			raw, _ := json.Marshal(in.Items)
			ev := bk.Event{
				Type:   bk.EventTodoUpdated,
				TaskID: in.TaskID,
				Title:  "Todo list updated",
				Data: bk.EventData{
					Status: "in_progress",
					Extra:  map[string]json.RawMessage{"todo_items": raw},
				},
			}
			if done == len(in.Items) && len(in.Items) > 0 {
				ev.Data.Status = "completed"
			}
			id, err := r.Pipeline.SendEvent(ctx, ev)
			if err != nil {
				return nil, err
			}
			return ok(id, "todo published"), nil
		},
	}
}

// --- schema helpers ---

func obj(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	}
	if len(props) > 0 {
		s["properties"] = props
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func str() map[string]any { return map[string]any{"type": "string"} }

func severityOf(s string) bk.Severity {
	switch s {
	case "low":
		return bk.SeverityLow
	case "high":
		return bk.SeverityHigh
	case "critical":
		return bk.SeverityCritical
	default:
		return bk.SeverityMedium
	}
}
