// Package dispatch turns accepted session messages into backend tool calls
// and normalizes every reply into the uniform {content:[...]} envelope.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/acl"
	"github.com/wolfeidau/toolgate/internal/backend"
	"github.com/wolfeidau/toolgate/internal/models"
	"github.com/wolfeidau/toolgate/internal/session"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

const (
	serverName      = "toolgate"
	protocolVersion = "2024-11-05"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeAccessDenied   = -32000
)

// ToolBackend is the backend client surface dispatch consumes.
type ToolBackend interface {
	CallTool(ctx context.Context, name string, args json.RawMessage, identity *models.Identity, project string, crossProject bool) (*backend.ToolReply, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// ProjectAuthorizer re-checks project access for cross-project calls and
// set_project requests.
type ProjectAuthorizer interface {
	Authorize(ctx context.Context, userID, project string) acl.Decision
}

// Dispatcher implements session.Dispatcher over the tool backend.
type Dispatcher struct {
	backend ToolBackend
	acl     ProjectAuthorizer
	version string
}

// New creates a dispatcher. version is reported in the initialize handshake.
func New(toolBackend ToolBackend, authorizer ProjectAuthorizer, version string) *Dispatcher {
	return &Dispatcher{
		backend: toolBackend,
		acl:     authorizer,
		version: version,
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools struct{} `json:"tools"`
}

// toolResult is the normalized tool envelope. Content is kept raw so backend
// content arrays pass through untouched.
type toolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Meta    *callMeta       `json:"_meta,omitempty"`
}

type callMeta struct {
	Project      string `json:"project"`
	CrossProject bool   `json:"crossProject"`
}

// Dispatch handles one session message and returns the event to emit plus
// the session's project from now on. Notifications return a zero event.
func (d *Dispatcher) Dispatch(ctx context.Context, identity *models.Identity, activeProject string, msg session.Message) (session.Event, string) {
	var req request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		log.Debug().Err(err).Str("user_id", identity.UserID).Msg("Failed to parse session message")
		return errorEvent(nil, codeParseError, "parse error", nil), activeProject
	}

	if req.Method == "" {
		return errorEvent(req.ID, codeInvalidRequest, "invalid request", nil), activeProject
	}

	log.Debug().
		Str("method", req.Method).
		Str("user_id", identity.UserID).
		Str("project", activeProject).
		Msg("Dispatching session message")

	switch req.Method {
	case "initialize":
		return d.initialize(req), activeProject
	case "notifications/initialized":
		return session.Event{}, activeProject
	case "tools/list":
		return d.toolsList(ctx, req), activeProject
	case "tools/call":
		return d.toolsCall(ctx, identity, activeProject, req)
	case "set_project":
		return d.setProject(ctx, identity, activeProject, req)
	default:
		return errorEvent(req.ID, codeMethodNotFound, "method not found", map[string]string{"method": req.Method}), activeProject
	}
}

func (d *Dispatcher) initialize(req request) session.Event {
	return resultEvent(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo: mcp.Implementation{
			Name:    serverName,
			Version: d.version,
		},
	})
}

func (d *Dispatcher) toolsList(ctx context.Context, req request) session.Event {
	tools, err := d.backend.ListTools(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list backend tools")
		return errorEvent(req.ID, codeInternalError, "tool catalog unavailable", nil)
	}

	return resultEvent(req.ID, struct {
		Tools []mcp.Tool `json:"tools"`
	}{Tools: tools})
}

func (d *Dispatcher) toolsCall(ctx context.Context, identity *models.Identity, activeProject string, req request) (session.Event, string) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorEvent(req.ID, codeInvalidParams, "invalid tool call parameters", nil), activeProject
	}

	project := activeProject
	crossProject := false

	var args struct {
		Project string `json:"project"`
	}
	if len(params.Arguments) > 0 {
		// arguments may be any JSON shape, a project override is optional
		_ = json.Unmarshal(params.Arguments, &args)
	}

	metrics := telemetry.GetMetrics()

	if args.Project != "" && args.Project != activeProject {
		decision := d.acl.Authorize(ctx, identity.UserID, args.Project)
		if !decision.Allowed {
			metrics.ToolCallErrorsTotal.Add(ctx, 1)
			return resultEvent(req.ID, toolResult{
				Content: textContent(fmt.Sprintf("access to project %q denied: %s", args.Project, decision.Reason)),
				IsError: true,
				Meta:    &callMeta{Project: activeProject},
			}), activeProject
		}

		project = args.Project
		crossProject = true

		log.Info().
			Str("user_id", identity.UserID).
			Str("tool", params.Name).
			Str("session_project", activeProject).
			Str("call_project", project).
			Msg("Cross-project tool call")
	}

	metrics.ToolCallsTotal.Add(ctx, 1)

	reply, err := d.backend.CallTool(ctx, params.Name, params.Arguments, identity, project, crossProject)
	if err != nil {
		metrics.ToolCallErrorsTotal.Add(ctx, 1)
		return resultEvent(req.ID, toolErrorResult(err, project, crossProject)), activeProject
	}

	content, isError := normalizeContent(reply.Body)

	return resultEvent(req.ID, toolResult{
		Content: content,
		IsError: isError,
		Meta:    &callMeta{Project: project, CrossProject: crossProject},
	}), activeProject
}

func (d *Dispatcher) setProject(ctx context.Context, identity *models.Identity, activeProject string, req request) (session.Event, string) {
	var params struct {
		Project string `json:"project"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Project == "" {
		return errorEvent(req.ID, codeInvalidParams, "invalid set_project parameters", nil), activeProject
	}

	decision := d.acl.Authorize(ctx, identity.UserID, params.Project)
	if !decision.Allowed {
		return errorEvent(req.ID, codeAccessDenied, "project access denied", map[string]string{
			"project": params.Project,
			"reason":  decision.Reason,
		}), activeProject
	}

	return resultEvent(req.ID, struct {
		Project string `json:"project"`
	}{Project: params.Project}), params.Project
}

// toolErrorResult maps a backend failure into a tool-level error envelope,
// keeping the backend's detail payload when one was returned.
func toolErrorResult(err error, project string, crossProject bool) toolResult {
	var callErr *backend.CallError
	if errors.As(err, &callErr) {
		content, _ := normalizeContent(callErr.Detail)
		return toolResult{
			Content: content,
			IsError: true,
			Meta:    &callMeta{Project: project, CrossProject: crossProject},
		}
	}

	log.Warn().Err(err).Msg("Backend tool call failed")

	return toolResult{
		Content: textContent("tool call failed"),
		IsError: true,
		Meta:    &callMeta{Project: project, CrossProject: crossProject},
	}
}

// normalizeContent produces the content array for the envelope. Backend
// content arrays pass through along with their isError flag; bare strings,
// other JSON values and empty bodies are wrapped as text content.
func normalizeContent(body []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return textContent(""), false
	}

	var envelope struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope.Content) > 0 {
		content := bytes.TrimSpace(envelope.Content)
		if len(content) > 0 && content[0] == '[' {
			return content, envelope.IsError
		}
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return textContent(text), false
	}

	return textContent(string(trimmed)), false
}

func textContent(text string) json.RawMessage {
	data, err := json.Marshal([]mcp.Content{mcp.NewTextContent(text)})
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return data
}

func resultEvent(id json.RawMessage, result any) session.Event {
	return newEvent(response{JSONRPC: "2.0", ID: id, Result: result})
}

func errorEvent(id json.RawMessage, code int, message string, data any) session.Event {
	return newEvent(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}})
}

func newEvent(resp response) session.Event {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal dispatch response")
		data = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}

	return session.Event{Name: "message", Data: data}
}
