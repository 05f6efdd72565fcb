package internal

import (
	"fmt"
	"sort"
)

// toolFormatter renders the start and completion of one tool-call kind.
// The dispatch table below is the closed set of known shapes; anything
// else goes through exactly one generic fallback, never positional key
// access over the event map.
type toolFormatter struct {
	key    string
	start  func(args map[string]any, prefix string) string
	result func(result map[string]any, prefix string) string
}

var toolFormatters = []toolFormatter{
	{
		key: "writeToolCall",
		start: func(args map[string]any, prefix string) string {
			return fmt.Sprintf("🖊️ %sCreating %s\n ", prefix, stringField(args, "path", "unknown"))
		},
		result: func(result map[string]any, prefix string) string {
			if success, ok := mapField(result, "success"); ok {
				lines := intField(success, "linesCreated")
				size := intField(success, "fileSize")
				return fmt.Sprintf("🖊️ %sCreated %d lines (%d bytes)\n ", prefix, lines, size)
			}
			if msg, ok := errorMessage(result); ok {
				return fmt.Sprintf("🖊️ %sError: %s\n ", prefix, msg)
			}
			return ""
		},
	},
	{
		key: "readToolCall",
		start: func(args map[string]any, prefix string) string {
			path := stringField(args, "path", "unknown")
			offset := intField(args, "offset")
			limit := intField(args, "limit")
			if offset != 0 || limit != 0 {
				return fmt.Sprintf("📖 %sReading %s (offset=%d, limit=%d)\n ", prefix, path, offset, limit)
			}
			return fmt.Sprintf("📖 %sReading %s\n ", prefix, path)
		},
		result: func(result map[string]any, prefix string) string {
			if success, ok := mapField(result, "success"); ok {
				total := intField(success, "totalLines")
				read := intField(success, "linesRead")
				if read != 0 && read != total {
					return fmt.Sprintf("📖 %sRead %d/%d lines\n ", prefix, read, total)
				}
				return fmt.Sprintf("📖 %sRead %d lines\n ", prefix, total)
			}
			if msg, ok := errorMessage(result); ok {
				return fmt.Sprintf("📖 %sError: %s\n ", prefix, msg)
			}
			return ""
		},
	},
	{
		key: "grepToolCall",
		start: func(args map[string]any, prefix string) string {
			pattern := truncate(stringField(args, "pattern", ""), 50)
			path := stringField(args, "path", "unknown")
			return fmt.Sprintf("🔍 %sGrep '%s' in %s\n ", prefix, pattern, path)
		},
		result: func(result map[string]any, prefix string) string {
			if success, ok := mapField(result, "success"); ok {
				matches := intField(success, "matchCount")
				lines := intField(success, "lineCount")
				return fmt.Sprintf("🔍 %sFound %d matches in %d lines\n ", prefix, matches, lines)
			}
			if msg, ok := errorMessage(result); ok {
				return fmt.Sprintf("🔍 %sError: %s\n ", prefix, msg)
			}
			return ""
		},
	},
	{
		key: "shellToolCall",
		start: func(args map[string]any, prefix string) string {
			command := truncate(stringField(args, "command", ""), 60)
			return fmt.Sprintf("💻 %sShell `%s`\n ", prefix, command)
		},
		result: func(result map[string]any, prefix string) string {
			if success, ok := mapField(result, "success"); ok {
				code := intField(success, "exitCode")
				if code == 0 {
					return fmt.Sprintf("💻 %sCommand completed (exit code: %d)\n ", prefix, code)
				}
				return fmt.Sprintf("💻 %sCommand failed (exit code: %d)\n ", prefix, code)
			}
			if msg, ok := errorMessage(result); ok {
				return fmt.Sprintf("💻 %sError: %s\n ", prefix, msg)
			}
			return ""
		},
	},
	{
		key: "mcpToolCall",
		start: func(args map[string]any, prefix string) string {
			name := stringField(args, "name", "unknown")
			provider := stringField(args, "providerIdentifier", "unknown")
			return fmt.Sprintf("🔌 %sMCP %s-%s\n ", prefix, provider, name)
		},
		result: func(result map[string]any, prefix string) string {
			if rejected, ok := mapField(result, "rejected"); ok {
				return fmt.Sprintf("🔌 %sRejected: %s\n ", prefix, stringField(rejected, "reason", "Unknown reason"))
			}
			if _, ok := mapField(result, "success"); ok {
				return fmt.Sprintf("🔌 %sCompleted\n ", prefix)
			}
			if msg, ok := errorMessage(result); ok {
				return fmt.Sprintf("🔌 %sError: %s\n ", prefix, msg)
			}
			return ""
		},
	},
}

// FormatToolCallStart renders a "tool started" line with an ordinal
// prefix. Returns "" when the event carries nothing describable.
func FormatToolCallStart(call map[string]any, ordinal int) string {
	prefix := fmt.Sprintf("Tool #%d: ", ordinal)

	for _, f := range toolFormatters {
		if body, ok := mapField(call, f.key); ok {
			args, _ := mapField(body, "args")
			return f.start(args, prefix)
		}
	}

	if key, body, ok := fallbackVariant(call); ok {
		_ = body
		return fmt.Sprintf("🔨 %s%s \n ", prefix, key)
	}
	return ""
}

// FormatToolCallResult renders a "tool completed" line. Ordinal 0 means
// the completion could not be paired with a start; the numeric prefix
// is then omitted.
func FormatToolCallResult(call map[string]any, ordinal int) string {
	prefix := ""
	if ordinal > 0 {
		prefix = fmt.Sprintf("Tool #%d: ", ordinal)
	}

	for _, f := range toolFormatters {
		if body, ok := mapField(call, f.key); ok {
			result, _ := mapField(body, "result")
			return f.result(result, prefix)
		}
	}

	if _, body, ok := fallbackVariant(call); ok {
		result, _ := mapField(body, "result")
		if rejected, ok := mapField(result, "rejected"); ok {
			return fmt.Sprintf("🔨 %sRejected: %s\n ", prefix, stringField(rejected, "reason", "Unknown reason"))
		}
		if _, ok := mapField(result, "success"); ok {
			return fmt.Sprintf("🔨 %sCompleted\n ", prefix)
		}
		if msg, ok := errorMessage(result); ok {
			return fmt.Sprintf("🔨 %sError: %s\n ", prefix, msg)
		}
	}
	return ""
}

// fallbackVariant reduces an unrecognized tool-call shape to a single
// deterministic variant: the lexicographically first key.
func fallbackVariant(call map[string]any) (string, map[string]any, bool) {
	if len(call) == 0 {
		return "", nil, false
	}
	keys := make([]string, 0, len(call))
	for k := range call {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	body, _ := mapField(call, keys[0])
	return keys[0], body, true
}

func mapField(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	child, ok := m[key].(map[string]any)
	return child, ok
}

func stringField(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return fallback
}

// intField reads a JSON number (decoded as float64) as int.
func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func errorMessage(result map[string]any) (string, bool) {
	errBody, ok := mapField(result, "error")
	if !ok {
		return "", false
	}
	return stringField(errBody, "message", "Unknown error"), true
}

// truncate caps s at max runes, slicing on rune boundaries so
// multibyte characters are never split.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
