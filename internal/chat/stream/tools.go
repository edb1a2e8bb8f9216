package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

const toolTitleMaxLen = 60

// toolState tracks one in-flight tool call until its result arrives.
type toolState struct {
	ID       string
	Name     string
	Title    string
	ParentID string
	Input    map[string]any
}

// ToolTracker matches tool results to their invocations and produces the
// tool lifecycle render events. One tracker lives per streaming run; it is
// used only by the single stream task.
type ToolTracker struct {
	active map[string]toolState
}

// NewToolTracker creates an empty tracker.
func NewToolTracker() *ToolTracker {
	return &ToolTracker{active: make(map[string]toolState)}
}

// StartTool records an in-flight call and emits tool_started.
func (t *ToolTracker) StartTool(block *agentsdk.ToolUseBlock, parentToolID string) RenderEvent {
	name := displayToolName(block.Name)
	state := toolState{
		ID:       block.ID,
		Name:     name,
		Title:    toolTitle(name, block.Name, block.Input),
		ParentID: parentToolID,
		Input:    block.Input,
	}
	t.active[block.ID] = state

	return RenderEvent{
		Kind: KindToolStarted,
		Payload: map[string]any{
			"tool": map[string]any{
				"id":        state.ID,
				"name":      state.Name,
				"title":     state.Title,
				"status":    "started",
				"input":     state.Input,
				"parent_id": state.ParentID,
			},
		},
	}
}

// FinishTool pops the matching state and emits tool_completed or tool_failed.
// An unmatched result gets a placeholder state so out-of-order results still
// render.
func (t *ToolTracker) FinishTool(toolUseID string, rawResult any, isError bool) RenderEvent {
	state, ok := t.active[toolUseID]
	if ok {
		delete(t.active, toolUseID)
	} else {
		state = toolState{ID: toolUseID, Name: "unknown", Title: "Unknown tool"}
	}

	tool := map[string]any{
		"id":        state.ID,
		"name":      state.Name,
		"title":     state.Title,
		"input":     state.Input,
		"parent_id": state.ParentID,
	}
	if isError {
		tool["status"] = "failed"
		tool["error"] = stringifyResult(rawResult)
		return RenderEvent{Kind: KindToolFailed, Payload: map[string]any{"tool": tool}}
	}
	tool["status"] = "completed"
	tool["result"] = normalizeResult(rawResult)
	return RenderEvent{Kind: KindToolCompleted, Payload: map[string]any{"tool": tool}}
}

// displayToolName rewrites mcp__<server>__<tool> to the bare tool name with
// underscores as spaces.
func displayToolName(name string) string {
	if !strings.HasPrefix(name, "mcp__") {
		return name
	}
	parts := strings.Split(name, "__")
	base := parts[len(parts)-1]
	return strings.ReplaceAll(base, "_", " ")
}

// toolTitle derives the human-readable "Name(desc)" title. The description
// projection keys off the raw tool name; mcp tools use the generic fallback.
func toolTitle(displayName, rawName string, input map[string]any) string {
	desc := toolDescription(rawName, input)
	desc = firstLine(desc)
	if desc == "" {
		return displayName
	}
	return fmt.Sprintf("%s(%s)", displayName, desc)
}

func toolDescription(name string, input map[string]any) string {
	pick := func(keys ...string) string {
		for _, key := range keys {
			if s, ok := input[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	switch name {
	case "Bash":
		return pick("command", "description")
	case "Read", "Write", "Edit":
		return pick("file_path")
	case "Glob", "Grep":
		return pick("pattern")
	case "WebFetch":
		return pick("url")
	case "WebSearch":
		return pick("query")
	}
	return pick("description", "prompt", "query", "file_path", "pattern", "command")
}

// firstLine trims the description to its first non-empty line, capped at 60
// runes including the trailing ellipsis when truncated.
func firstLine(desc string) string {
	desc = strings.TrimSpace(desc)
	if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
		desc = strings.TrimSpace(desc[:idx])
	}
	runes := []rune(desc)
	if len(runes) > toolTitleMaxLen {
		return string(runes[:toolTitleMaxLen-1]) + "…"
	}
	return desc
}

// normalizeResult makes tool output render-friendly: whole-document JSON
// strings are parsed, lists and maps are normalized recursively, everything
// else passes through.
func normalizeResult(v any) any {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed
			}
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeResult(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeResult(item)
		}
		return out
	default:
		return v
	}
}

func stringifyResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
