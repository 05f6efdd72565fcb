package internal

import (
	"fmt"
	"strings"
)

// CommandBuilder turns an OpenAI-style message list into a single
// prompt and the agent argv that carries it. Large user content is
// materialized to side files so the command line stays bounded.
type CommandBuilder struct {
	cfg    *Config
	loader *DirectiveLoader
}

// NewCommandBuilder wires a builder to the runtime config and the
// per-request directive loader.
func NewCommandBuilder(cfg *Config, loader *DirectiveLoader) *CommandBuilder {
	return &CommandBuilder{cfg: cfg, loader: loader}
}

// processTextPart materializes oversized text to an @file reference,
// then resolves slash directives on the resulting text. Ordering
// matters: a huge directive-shaped message must still be bounded
// before it reaches the command line.
func (b *CommandBuilder) processTextPart(text string) string {
	if len(text) > ContentSizeThreshold {
		hint, body := SplitFilenameHint(text)
		path, err := SaveText(b.cfg.TmpDir, body, hint)
		if err != nil {
			logger.Warnf("Failed to materialize large content, inlining it: %v", err)
		} else if hint != "" {
			text = fmt.Sprintf("%s @%s", hint, path)
		} else {
			text = "@" + path
		}
	}
	return b.loader.Resolve(text)
}

// processImagePart materializes data-URI images to files; remote URLs
// are reduced to a textual mention since the agent cannot fetch them.
// Image problems degrade to placeholders, never errors.
func (b *CommandBuilder) processImagePart(img *ImageURL) string {
	if img == nil || img.URL == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(img.URL, "data:"):
		path, err := SaveImage(b.cfg.TmpDir, img.URL)
		if err != nil {
			logger.Warnf("Failed to save image: %v", err)
			return "[Image - failed to process]"
		}
		return "@" + path
	case strings.HasPrefix(img.URL, "http://"), strings.HasPrefix(img.URL, "https://"):
		return fmt.Sprintf("[Image URL: %s]", img.URL)
	default:
		return "[Image - unsupported format]"
	}
}

// processedContent renders a user message: every part goes through
// directive resolution and materialization.
func (b *CommandBuilder) processedContent(msg Message) string {
	if !msg.Content.Multi {
		return b.processTextPart(msg.Content.Str)
	}

	var parts []string
	for _, part := range msg.Content.Parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				parts = append(parts, b.processTextPart(part.Text))
			}
		case PartImageURL:
			if rendered := b.processImagePart(part.ImageURL); rendered != "" {
				parts = append(parts, rendered)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// MergePrompt flattens the conversation into one prompt string. When
// the history contains assistant turns, each segment is labeled with
// its role so the agent can tell the speakers apart; a pure
// user/system exchange stays unlabeled. System and assistant turns are
// passed through verbatim, user turns are processed.
func (b *CommandBuilder) MergePrompt(messages []Message) string {
	hasAssistant := false
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			hasAssistant = true
			break
		}
	}

	var segments []string
	for _, msg := range messages {
		var body string
		if msg.Role == RoleUser {
			body = b.processedContent(msg)
		} else {
			body = msg.Content.PlainText()
		}
		if body == "" {
			continue
		}
		if hasAssistant {
			body = strings.ToUpper(msg.Role) + ": " + body
		}
		segments = append(segments, body)
	}
	return strings.Join(segments, "\n\n")
}

// Build assembles the agent argv for one invocation. resumeID and
// workspaceDir are optional; stream selects the line-delimited event
// format over the single-document one.
func (b *CommandBuilder) Build(model, apiKey, prompt, resumeID, workspaceDir string, stream bool) []string {
	argv := []string{b.cfg.AgentBin, "--model", ToCLIID(model)}
	if apiKey != "" {
		argv = append(argv, "--api-key", apiKey)
	}
	argv = append(argv, "--sandbox", "enabled", "--approve-mcps", "--force", "--print")
	if resumeID != "" {
		argv = append(argv, "--resume", resumeID)
	}
	if workspaceDir != "" {
		argv = append(argv, "--workspace", workspaceDir)
	}
	if stream {
		argv = append(argv, "--output-format", "stream-json", "--stream-partial-output")
	} else {
		argv = append(argv, "--output-format", "json")
	}
	return append(argv, prompt)
}
