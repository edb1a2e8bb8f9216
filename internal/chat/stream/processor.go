package stream

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

var (
	promptSuggestionsRe = regexp.MustCompile(`(?s)<prompt_suggestions>(.*?)</prompt_suggestions>`)
	localStdoutRe       = regexp.MustCompile(`(?s)^\s*<local-command-stdout>(.*)</local-command-stdout>\s*$`)
)

// Processor translates each agent message into render events and accumulates
// cost and usage across the turn. New message variants default to no events.
type Processor struct {
	tools         *ToolTracker
	onSessionInit func(agentSessionID string)

	totalCostUSD float64
	usage        map[string]any
	sawResult    bool
}

// NewProcessor creates a processor for one streaming run. onSessionInit, when
// set, receives the agent-side session id from the init message.
func NewProcessor(onSessionInit func(agentSessionID string)) *Processor {
	return &Processor{
		tools:         NewToolTracker(),
		onSessionInit: onSessionInit,
	}
}

// TotalCostUSD returns the accumulated cost reported by result messages.
func (p *Processor) TotalCostUSD() float64 { return p.totalCostUSD }

// Usage returns the last usage accounting reported, or nil.
func (p *Processor) Usage() map[string]any { return p.usage }

// SawResult reports whether a result message arrived, i.e. the agent
// finished the turn on its own terms.
func (p *Processor) SawResult() bool { return p.sawResult }

// Process maps one agent message onto zero or more render events.
func (p *Processor) Process(msg agentsdk.Message) []RenderEvent {
	switch m := msg.(type) {
	case *agentsdk.SystemMessage:
		return p.processSystem(m)
	case *agentsdk.AssistantMessage:
		return p.processAssistant(m)
	case *agentsdk.UserMessage:
		return p.processUser(m)
	case *agentsdk.ResultMessage:
		p.totalCostUSD += m.TotalCostUSD
		if m.Usage != nil {
			p.usage = m.Usage
		}
		p.sawResult = true
		return nil
	}
	return nil
}

func (p *Processor) processSystem(m *agentsdk.SystemMessage) []RenderEvent {
	if m.Subtype != "init" {
		return nil
	}
	if p.onSessionInit != nil && m.SessionID != "" {
		p.onSessionInit(m.SessionID)
	}
	return []RenderEvent{{
		Kind:    KindSystem,
		Payload: map[string]any{"data": map[string]any{"subtype": "session_init"}},
	}}
}

func (p *Processor) processAssistant(m *agentsdk.AssistantMessage) []RenderEvent {
	var events []RenderEvent
	for _, block := range m.Content {
		switch b := block.(type) {
		case *agentsdk.TextBlock:
			events = append(events, p.textEvents(b.Text)...)
		case *agentsdk.ThinkingBlock:
			if strings.TrimSpace(b.Thinking) != "" {
				events = append(events, RenderEvent{
					Kind:    KindAssistantThinking,
					Payload: map[string]any{"thinking": b.Thinking},
				})
			}
		case *agentsdk.ToolUseBlock:
			events = append(events, p.tools.StartTool(b, m.ParentToolUseID))
		case *agentsdk.ToolResultBlock:
			events = append(events, p.tools.FinishTool(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return events
}

func (p *Processor) processUser(m *agentsdk.UserMessage) []RenderEvent {
	var events []RenderEvent
	for _, block := range m.Content {
		switch b := block.(type) {
		case *agentsdk.TextBlock:
			text := unwrapLocalStdout(b.Text)
			if strings.TrimSpace(text) != "" {
				events = append(events, RenderEvent{
					Kind:    KindUserText,
					Payload: map[string]any{"text": text},
				})
			}
		case *agentsdk.ToolResultBlock:
			events = append(events, p.tools.FinishTool(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return events
}

// textEvents splits assistant text into prompt_suggestions events and plain
// text. The wrapper is always stripped; a suggestion event is emitted only
// when the inner body parses as a JSON array.
func (p *Processor) textEvents(text string) []RenderEvent {
	var events []RenderEvent
	for _, match := range promptSuggestionsRe.FindAllStringSubmatch(text, -1) {
		var suggestions []any
		if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &suggestions); err == nil {
			events = append(events, RenderEvent{
				Kind:    KindPromptSuggestions,
				Payload: map[string]any{"suggestions": suggestions},
			})
		}
	}
	remaining := promptSuggestionsRe.ReplaceAllString(text, "")
	if strings.TrimSpace(remaining) != "" {
		events = append(events, RenderEvent{
			Kind:    KindAssistantText,
			Payload: map[string]any{"text": remaining},
		})
	}
	return events
}

// unwrapLocalStdout extracts the inner content of a <local-command-stdout>
// wrapper; other text passes through unchanged.
func unwrapLocalStdout(text string) string {
	if m := localStdoutRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}
