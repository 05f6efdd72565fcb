package internal

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	workspaceTagRe = regexp.MustCompile(`(?s)<workspace>\s*(.+?)\s*</workspace>`)
	sessionIDTagRe = regexp.MustCompile(`(?s)<session_id>\s*(.+?)\s*</session_id>`)
)

// ParseWorkspaceTag extracts the path from a <workspace> tag, returning
// it and the content with the tag removed. Returns ("", content) when
// no tag is present.
func ParseWorkspaceTag(content string) (string, string) {
	return parseTag(workspaceTagRe, content)
}

// ParseSessionIDTag extracts the id from a <session_id> tag, returning
// it and the content with the tag removed.
func ParseSessionIDTag(content string) (string, string) {
	return parseTag(sessionIDTagRe, content)
}

func parseTag(re *regexp.Regexp, content string) (string, string) {
	match := re.FindStringSubmatch(content)
	if match == nil {
		return "", content
	}
	cleaned := strings.TrimSpace(re.ReplaceAllString(content, ""))
	return strings.TrimSpace(match[1]), cleaned
}

// ValidateWorkspacePath accepts an absolute path that is equal to, or
// nested under, a whitelist entry. Anything else is ignored with a
// warning (soft failure) and "" is returned.
func ValidateWorkspacePath(path string, whitelist []string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		logger.Warnf("Workspace path %q is not absolute, ignoring", path)
		return ""
	}
	if len(whitelist) == 0 {
		logger.Warnf("Workspace whitelist is empty, ignoring custom workspace %q", path)
		return ""
	}

	normalized := filepath.Clean(path)
	for _, allowed := range whitelist {
		allowedNormalized := filepath.Clean(allowed)
		if normalized == allowedNormalized || strings.HasPrefix(normalized, allowedNormalized+string(os.PathSeparator)) {
			logger.Infof("Workspace path %q validated against whitelist", path)
			return path
		}
	}

	logger.Warnf("Workspace path %q not in whitelist, ignoring", path)
	return ""
}

// ExtractRequestTags pulls <workspace> and <session_id> tags out of
// system messages, validates the workspace against the whitelist, and
// returns the messages with the tags stripped. Tags in non-system
// messages are left untouched.
func ExtractRequestTags(messages []Message, whitelist []string) (string, string, []Message) {
	workspace := ""
	sessionID := ""
	cleaned := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role != RoleSystem {
			cleaned = append(cleaned, msg)
			continue
		}

		content := msg.Content.PlainText()

		if workspace == "" {
			if extracted, rest := ParseWorkspaceTag(content); extracted != "" {
				workspace = ValidateWorkspacePath(extracted, whitelist)
				content = rest
			}
		}
		if sessionID == "" {
			if extracted, rest := ParseSessionIDTag(content); extracted != "" {
				sessionID = extracted
				content = rest
				logger.Infof("Extracted custom session_id from system prompt: %s", sessionID)
			}
		}

		cleaned = append(cleaned, Message{Role: msg.Role, Content: TextContent(content)})
	}

	return workspace, sessionID, cleaned
}
