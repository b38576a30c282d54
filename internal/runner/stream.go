package runner

import (
	"encoding/json"
	"sort"
	"strings"
)

// TokenUsage accumulates token counts reported by the agent CLI's
// structured output stream.
type TokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	ContextWindow       int
	MaxOutputTokens     int
}

// DefaultContextWindow is assumed until the stream reports the model's
// actual window.
const (
	DefaultContextWindow   = 200000
	DefaultMaxOutputTokens = 64000
)

// TotalTokens returns input plus output tokens.
func (u TokenUsage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ContextUtilization returns total tokens as a percentage of the context
// window, 0-100.
func (u TokenUsage) ContextUtilization() float64 {
	if u.ContextWindow <= 0 {
		return 0
	}
	return float64(u.TotalTokens()) / float64(u.ContextWindow) * 100
}

// StreamParser consumes the agent CLI's stream-json output line by line.
// Assistant messages yield their text content; result messages carry the
// final usage totals and cost. Lines that are not JSON pass through
// verbatim, so the parser also copes with agents running in plain-text
// mode.
type StreamParser struct {
	onUsage   func(TokenUsage, float64)
	usage     TokenUsage
	totalCost float64
}

// NewStreamParser builds a parser. onUsage may be nil; when set it fires on
// every usage update, including intermediate ones.
func NewStreamParser(onUsage func(TokenUsage, float64)) *StreamParser {
	return &StreamParser{
		onUsage: onUsage,
		usage: TokenUsage{
			ContextWindow:   DefaultContextWindow,
			MaxOutputTokens: DefaultMaxOutputTokens,
		},
	}
}

// ParseLine extracts displayable text from one line of stream output.
// The second return is false when the line carried no text (control
// messages, usage records, blank lines).
func (p *StreamParser) ParseLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		// Raw text output from an agent not speaking stream-json.
		return line, true
	}

	switch msg["type"] {
	case "assistant":
		return p.handleAssistant(msg)
	case "result":
		p.handleResult(msg)
	}
	return "", false
}

// Usage returns the usage accumulated so far.
func (p *StreamParser) Usage() TokenUsage {
	return p.usage
}

// TotalCost returns the total cost in USD reported by the stream.
func (p *StreamParser) TotalCost() float64 {
	return p.totalCost
}

func (p *StreamParser) handleAssistant(msg map[string]any) (string, bool) {
	message := asMap(msg["message"])

	if usage := asMap(message["usage"]); len(usage) > 0 {
		p.updateUsage(usage)
	}

	var parts []string
	for _, raw := range asSlice(message["content"]) {
		block := asMap(raw)
		if block["type"] != "text" {
			continue
		}
		if text, _ := block["text"].(string); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func (p *StreamParser) handleResult(msg map[string]any) {
	if usage := asMap(msg["usage"]); len(usage) > 0 {
		p.updateUsage(usage)
	}

	// The per-model breakdown carries the context window size.
	modelUsage := asMap(msg["modelUsage"])
	for _, name := range sortedKeys(modelUsage) {
		if window := intField(asMap(modelUsage[name]), "contextWindow", "context_window"); window > 0 {
			p.usage.ContextWindow = window
		}
		break
	}

	if cost := floatField(msg, "total_cost_usd", "totalCostUsd"); cost > 0 {
		p.totalCost = cost
	}

	if p.onUsage != nil {
		p.onUsage(p.usage, p.totalCost)
	}
}

// updateUsage merges one usage record. The CLI has emitted both snake_case
// and camelCase key forms across versions, so both are accepted.
func (p *StreamParser) updateUsage(usage map[string]any) {
	if v := intField(usage, "input_tokens", "inputTokens"); v >= 0 {
		p.usage.InputTokens = v
	}
	if v := intField(usage, "output_tokens", "outputTokens"); v >= 0 {
		p.usage.OutputTokens = v
	}
	if v := intField(usage, "cache_read_input_tokens", "cacheReadInputTokens"); v >= 0 {
		p.usage.CacheReadTokens = v
	}
	if v := intField(usage, "cache_creation_input_tokens", "cacheCreationInputTokens"); v >= 0 {
		p.usage.CacheCreationTokens = v
	}
	if p.onUsage != nil {
		p.onUsage(p.usage, p.totalCost)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// intField reads the first present key, returning -1 when none is set.
func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return int(f)
		}
	}
	return -1
}

func floatField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f
		}
	}
	return 0
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
