package internal

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DirectiveKind classifies a /name shorthand target.
type DirectiveKind string

const (
	DirectiveCommand DirectiveKind = "command"
	DirectiveSkill   DirectiveKind = "skill"
	DirectiveAgent   DirectiveKind = "agent"
)

// Directive binds a /id shorthand to a markdown file on disk.
type Directive struct {
	ID          string
	Path        string
	Kind        DirectiveKind
	Description string
}

// DirectiveLoader scans project- and user-level directories for custom
// commands, skills, and agents. The scan is performed once per loader;
// loaders are built per request so no state survives between requests.
type DirectiveLoader struct {
	workspaceDir string
	entries      map[string]Directive
	order        []string
}

var slashTokenRe = regexp.MustCompile(`(?s)^/(\S+)(?:\s+(.*))?$`)

// NewDirectiveLoader scans workspaceDir (the current directory when
// empty) and the user home, in increasing priority: project commands,
// project skills, project agents, then the user-level equivalents.
// Later entries override earlier ones with the same id.
func NewDirectiveLoader(workspaceDir string) *DirectiveLoader {
	if workspaceDir == "" {
		workspaceDir, _ = os.Getwd()
	}
	loader := &DirectiveLoader{
		workspaceDir: workspaceDir,
		entries:      make(map[string]Directive),
	}

	loader.scanCommands(filepath.Join(workspaceDir, ".claude", "commands"))
	loader.scanCommands(filepath.Join(workspaceDir, ".cursor", "commands"))
	loader.scanSkills(filepath.Join(workspaceDir, ".cursor", "skills"))
	loader.scanAgents(filepath.Join(workspaceDir, ".cursor", "agents"))

	if home, err := os.UserHomeDir(); err == nil {
		loader.scanCommands(filepath.Join(home, ".claude", "commands"))
		loader.scanCommands(filepath.Join(home, ".cursor", "commands"))
		loader.scanSkills(filepath.Join(home, ".cursor", "skills"))
		loader.scanSkills(filepath.Join(home, ".cursor", "skills-cursor"))
		loader.scanAgents(filepath.Join(home, ".cursor", "agents"))
	}

	return loader
}

// scanCommands registers *.md files directly inside dir as commands.
func (l *DirectiveLoader) scanCommands(dir string) {
	files, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return
	}
	for _, path := range files {
		id := strings.TrimSuffix(filepath.Base(path), ".md")
		l.register(id, path, DirectiveCommand)
	}
}

// scanSkills recursively finds SKILL.md marker files; the id is the
// immediate parent directory name.
func (l *DirectiveLoader) scanSkills(dir string) {
	l.walk(dir, func(path string) {
		if filepath.Base(path) != "SKILL.md" {
			return
		}
		l.register(filepath.Base(filepath.Dir(path)), path, DirectiveSkill)
	})
}

// scanAgents recursively registers every *.md file under dir.
func (l *DirectiveLoader) scanAgents(dir string) {
	l.walk(dir, func(path string) {
		if !strings.HasSuffix(path, ".md") {
			return
		}
		l.register(strings.TrimSuffix(filepath.Base(path), ".md"), path, DirectiveAgent)
	})
}

func (l *DirectiveLoader) walk(dir string, visit func(path string)) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		visit(path)
		return nil
	})
	if err != nil {
		logger.Warnf("Failed to scan directive directory %s: %v", dir, err)
	}
}

// register stores an entry, skipping empty files. An override keeps the
// id's original position in the scan order.
func (l *DirectiveLoader) register(id, path string, kind DirectiveKind) {
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warnf("Failed to read %s: %v", path, err)
		return
	}
	if strings.TrimSpace(string(content)) == "" {
		logger.Debugf("Skipping empty file: %s", path)
		return
	}

	description := frontmatterDescription(string(content))
	if description == "" {
		description = firstHeading(string(content))
	}

	if _, exists := l.entries[id]; !exists {
		l.order = append(l.order, id)
	}
	l.entries[id] = Directive{ID: id, Path: path, Kind: kind, Description: description}
	logger.Debugf("Loaded %s: /%s from %s", kind, id, path)
}

// frontmatterDescription extracts description: from a leading YAML
// front-matter block ("---" delimited). Returns "" when absent.
func frontmatterDescription(content string) string {
	if !strings.HasPrefix(content, "---") {
		return ""
	}
	rest := strings.TrimPrefix(content, "---")
	rest = strings.TrimPrefix(rest, "\n")
	block, _, found := strings.Cut(rest, "\n---")
	if !found {
		return ""
	}

	var fields map[string]any
	if err := yaml.Unmarshal([]byte(block), &fields); err != nil {
		return ""
	}
	if desc, ok := fields["description"].(string); ok {
		return strings.TrimSpace(desc)
	}
	return ""
}

// firstHeading returns the first markdown heading text in the file.
func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return ""
}

// Resolve turns a leading /id token into a file reference instruction:
// "Use this <kind> @<path> [args]". Unknown ids and non-slash text pass
// through unchanged.
func (l *DirectiveLoader) Resolve(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	match := slashTokenRe.FindStringSubmatch(text)
	if match == nil {
		return text
	}

	id := match[1]
	args := match[2]

	entry, ok := l.entries[id]
	if !ok {
		logger.Debugf("/%s not found in directives, passing through", id)
		return text
	}

	logger.Infof("Resolving /%s -> @%s", id, entry.Path)
	if args != "" {
		return fmt.Sprintf("Use this %s @%s %s", entry.Kind, entry.Path, args)
	}
	return fmt.Sprintf("Use this %s @%s", entry.Kind, entry.Path)
}

// Labels returns presentation labels like "(command: Fix Impact) /check-fix".
func (l *DirectiveLoader) Labels() []string {
	var labels []string
	for _, id := range l.order {
		entry := l.entries[id]
		if entry.Description != "" {
			labels = append(labels, fmt.Sprintf("(%s: %s) /%s", entry.Kind, entry.Description, id))
		} else {
			labels = append(labels, fmt.Sprintf("(%s) /%s", entry.Kind, id))
		}
	}
	return labels
}

// SkillsMetadataXML renders an <available_skills> block listing every
// entry, suitable for prompt injection. Empty when nothing was found.
func (l *DirectiveLoader) SkillsMetadataXML() string {
	if len(l.order) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, id := range l.order {
		entry := l.entries[id]
		tag := string(entry.Kind)
		fmt.Fprintf(&b, "  <%s>\n", tag)
		fmt.Fprintf(&b, "    <name>%s</name>\n", xmlEscape(id))
		fmt.Fprintf(&b, "    <description>%s</description>\n", xmlEscape(entry.Description))
		fmt.Fprintf(&b, "    <location>%s</location>\n", xmlEscape(entry.Path))
		fmt.Fprintf(&b, "  </%s>\n", tag)
	}
	b.WriteString("</available_skills>")
	return b.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
