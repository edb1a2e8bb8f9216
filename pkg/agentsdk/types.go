// Package agentsdk implements the stream-json protocol spoken by the agent
// CLI over stdio: typed messages in, line-delimited JSON out. The package is
// transport-agnostic; callers supply a Transport.
package agentsdk

import (
	"encoding/json"
	"fmt"
)

// Message is the tagged union of messages the agent emits.
type Message interface {
	message()
}

// SystemMessage carries agent lifecycle notifications such as session_init.
type SystemMessage struct {
	Subtype   string
	SessionID string
	Data      map[string]any
}

// AssistantMessage carries a list of content blocks produced by the model.
type AssistantMessage struct {
	Content         []ContentBlock
	ParentToolUseID string
	Model           string
}

// UserMessage carries content replayed on the agent's behalf, such as tool
// results and local command output.
type UserMessage struct {
	Content         []ContentBlock
	ParentToolUseID string
}

// ResultMessage terminates a response and carries cost and usage accounting.
type ResultMessage struct {
	Subtype      string
	IsError      bool
	DurationMS   int64
	NumTurns     int
	SessionID    string
	TotalCostUSD float64
	Usage        map[string]any
	Result       string
}

func (*SystemMessage) message()    {}
func (*AssistantMessage) message() {}
func (*UserMessage) message()      {}
func (*ResultMessage) message()    {}

// ContentBlock is the tagged union of blocks inside assistant/user messages.
type ContentBlock interface {
	block()
}

// TextBlock is plain model text.
type TextBlock struct {
	Text string
}

// ThinkingBlock is extended-thinking text.
type ThinkingBlock struct {
	Thinking string
}

// ToolUseBlock is a tool invocation request.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock is the outcome of a prior tool invocation.
type ToolResultBlock struct {
	ToolUseID string
	Content   any
	IsError   bool
}

func (*TextBlock) block()       {}
func (*ThinkingBlock) block()   {}
func (*ToolUseBlock) block()    {}
func (*ToolResultBlock) block() {}

type wireMessage struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         *wireInner      `json:"message"`
	Model           string          `json:"model"`
	IsError         bool            `json:"is_error"`
	DurationMS      int64           `json:"duration_ms"`
	NumTurns        int             `json:"num_turns"`
	TotalCostUSD    float64         `json:"total_cost_usd"`
	Usage           map[string]any  `json:"usage"`
	Result          json.RawMessage `json:"result"`
	Data            map[string]any  `json:"data"`
}

type wireInner struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseMessage decodes one stream-json line into a typed Message.
// Lines with unknown or control message types yield (nil, nil) and are
// skipped by the reader.
func ParseMessage(line []byte) (Message, error) {
	var wm wireMessage
	if err := json.Unmarshal(line, &wm); err != nil {
		return nil, fmt.Errorf("invalid agent message: %w", err)
	}

	switch wm.Type {
	case "system":
		return &SystemMessage{
			Subtype:   wm.Subtype,
			SessionID: wm.SessionID,
			Data:      wm.Data,
		}, nil

	case "assistant":
		blocks, err := parseBlocks(innerContent(wm.Message))
		if err != nil {
			return nil, err
		}
		model := wm.Model
		if model == "" && wm.Message != nil {
			model = wm.Message.Model
		}
		return &AssistantMessage{
			Content:         blocks,
			ParentToolUseID: deref(wm.ParentToolUseID),
			Model:           model,
		}, nil

	case "user":
		blocks, err := parseBlocks(innerContent(wm.Message))
		if err != nil {
			return nil, err
		}
		return &UserMessage{
			Content:         blocks,
			ParentToolUseID: deref(wm.ParentToolUseID),
		}, nil

	case "result":
		var resultText string
		if len(wm.Result) > 0 {
			// result is a string on success; other shapes are ignored
			_ = json.Unmarshal(wm.Result, &resultText)
		}
		return &ResultMessage{
			Subtype:      wm.Subtype,
			IsError:      wm.IsError,
			DurationMS:   wm.DurationMS,
			NumTurns:     wm.NumTurns,
			SessionID:    wm.SessionID,
			TotalCostUSD: wm.TotalCostUSD,
			Usage:        wm.Usage,
			Result:       resultText,
		}, nil
	}

	return nil, nil
}

func innerContent(inner *wireInner) json.RawMessage {
	if inner == nil {
		return nil
	}
	return inner.Content
}

// parseBlocks decodes a content field that is either a bare string or an
// array of typed blocks.
func parseBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ContentBlock{&TextBlock{Text: text}}, nil
	}

	var wire []wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid content blocks: %w", err)
	}

	blocks := make([]ContentBlock, 0, len(wire))
	for _, wb := range wire {
		switch wb.Type {
		case "text":
			blocks = append(blocks, &TextBlock{Text: wb.Text})
		case "thinking":
			blocks = append(blocks, &ThinkingBlock{Thinking: wb.Thinking})
		case "tool_use":
			blocks = append(blocks, &ToolUseBlock{ID: wb.ID, Name: wb.Name, Input: wb.Input})
		case "tool_result":
			blocks = append(blocks, &ToolResultBlock{
				ToolUseID: wb.ToolUseID,
				Content:   decodeAny(wb.Content),
				IsError:   wb.IsError,
			})
		}
	}
	return blocks, nil
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
