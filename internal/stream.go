package internal

import (
	"encoding/json"
	"strings"
)

// streamEvent is the decoded envelope of one stream-json line. The
// schema belongs to the external agent and is versioned independently;
// unknown fields and types are tolerated.
type streamEvent struct {
	Type        string         `json:"type"`
	Subtype     string         `json:"subtype"`
	TimestampMS *int64         `json:"timestamp_ms"`
	Message     streamMessage  `json:"message"`
	CallID      string         `json:"call_id"`
	ToolCall    map[string]any `json:"tool_call"`
}

type streamMessage struct {
	Content []streamContentItem `json:"content"`
}

type streamContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reconciler folds the agent's line-delimited JSON event stream into
// user-visible text chunks: assistant events are appended fragments of
// one growing message (duplicates suppressed), tool calls become short
// numbered descriptions paired across interleaving via call_id, and a
// result event terminates the stream.
type Reconciler struct {
	lastType     string
	accumulated  string
	toolCount    int
	toolOrdinals map[string]int
	sawResult    bool
}

// NewReconciler returns a reconciler in its initial state.
func NewReconciler() *Reconciler {
	return &Reconciler{toolOrdinals: make(map[string]int)}
}

// SawResult reports whether a terminal result event arrived. Callers
// use it to tolerate a process exit code racing behind the pipe close.
func (r *Reconciler) SawResult() bool {
	return r.sawResult
}

// Feed consumes one stream line and returns the chunks to emit, in
// order, plus whether the stream is complete. Lines that fail to parse
// as JSON are passed through verbatim without touching state.
func (r *Reconciler) Feed(line []byte) ([]string, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, false
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		logger.Warnf("Failed to decode stream line: %v, line: %s", err, truncate(trimmed, 100))
		return []string{trimmed}, false
	}

	var chunks []string

	// A type transition delimits segments of different event kinds in
	// the merged output and resets the assistant accumulator.
	if event.Type != r.lastType {
		r.accumulated = ""
		r.lastType = event.Type
		chunks = append(chunks, "\n")
	}

	switch event.Type {
	case "assistant":
		if event.TimestampMS == nil {
			// End-of-message sentinel; nothing to emit.
			logger.Debugf("Assistant event without timestamp, message complete")
			break
		}
		var newText strings.Builder
		for _, item := range event.Message.Content {
			if item.Type == "text" {
				newText.WriteString(item.Text)
			}
		}
		text := newText.String()
		if text == "" {
			break
		}
		if text != r.accumulated {
			chunks = append(chunks, text)
			r.accumulated += text
		}

	case "system":
		// Informational only (model init and similar).
		logger.Debugf("System event subtype=%s", event.Subtype)

	case "thinking":
		chunks = append(chunks, ".")

	case "tool_call":
		switch event.Subtype {
		case "started":
			r.toolCount++
			if event.CallID != "" {
				r.toolOrdinals[event.CallID] = r.toolCount
			}
			if info := FormatToolCallStart(event.ToolCall, r.toolCount); info != "" {
				chunks = append(chunks, info)
			}
		case "completed":
			ordinal := 0
			if event.CallID != "" {
				ordinal = r.toolOrdinals[event.CallID]
			}
			if info := FormatToolCallResult(event.ToolCall, ordinal); info != "" {
				chunks = append(chunks, info)
			}
		}

	case "result":
		r.sawResult = true
		return chunks, true

	default:
		// Forward-compatible: unknown event types are ignored.
		logger.Debugf("Skipping unknown stream event type=%s", event.Type)
	}

	return chunks, false
}
