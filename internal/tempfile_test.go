package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitFilenameHint(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantHint    string
		wantContent string
	}{
		{
			name:        "leading filename line",
			text:        "main.go\npackage main",
			wantHint:    "main.go",
			wantContent: "package main",
		},
		{
			name:        "no newline",
			text:        "just one line.go",
			wantHint:    "",
			wantContent: "just one line.go",
		},
		{
			name:        "first line without dot",
			text:        "hello\nworld",
			wantHint:    "",
			wantContent: "hello\nworld",
		},
		{
			name:        "indented first line",
			text:        " notes.txt\nbody",
			wantHint:    "",
			wantContent: " notes.txt\nbody",
		},
		{
			name:        "extension too long",
			text:        "file.verylongextension\nbody",
			wantHint:    "",
			wantContent: "file.verylongextension\nbody",
		},
		{
			name:        "non-alphanumeric extension",
			text:        "sentence ends here.\nbody",
			wantHint:    "",
			wantContent: "sentence ends here.\nbody",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint, content := SplitFilenameHint(tt.text)
			if hint != tt.wantHint {
				t.Errorf("hint = %q, want %q", hint, tt.wantHint)
			}
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
		})
	}
}

func TestSaveText_ContentAddressed(t *testing.T) {
	dir := t.TempDir()

	first, err := SaveText(dir, "same content", "")
	if err != nil {
		t.Fatalf("SaveText() error: %v", err)
	}
	second, err := SaveText(dir, "same content", "")
	if err != nil {
		t.Fatalf("SaveText() error: %v", err)
	}

	if first != second {
		t.Errorf("identical content produced different paths: %s vs %s", first, second)
	}
	if !strings.HasPrefix(filepath.Base(first), "upload_") {
		t.Errorf("path %s missing upload_ prefix", first)
	}
	if filepath.Ext(first) != ".txt" {
		t.Errorf("default extension = %s, want .txt", filepath.Ext(first))
	}

	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if string(data) != "same content" {
		t.Errorf("saved content = %q", data)
	}
}

func TestSaveText_ExtensionFromHint(t *testing.T) {
	dir := t.TempDir()

	path, err := SaveText(dir, "package main", "main.go")
	if err != nil {
		t.Fatalf("SaveText() error: %v", err)
	}
	if filepath.Ext(path) != ".go" {
		t.Errorf("extension = %s, want .go", filepath.Ext(path))
	}
}

func TestSaveImage(t *testing.T) {
	dir := t.TempDir()

	// Minimal 1-byte payload, base64 "AA==" decodes to one zero byte.
	tests := []struct {
		name    string
		dataURL string
		wantExt string
		wantErr bool
	}{
		{"png", "data:image/png;base64,AA==", ".png", false},
		{"jpeg", "data:image/jpeg;base64,AA==", ".jpg", false},
		{"unknown mime defaults to png", "data:image/tiff;base64,AA==", ".png", false},
		{"not a data url", "https://example.com/x.png", "", true},
		{"missing payload", "data:image/png;base64", "", true},
		{"bad base64", "data:image/png;base64,!!!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := SaveImage(dir, tt.dataURL)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SaveImage() expected error, got path %s", path)
				}
				return
			}
			if err != nil {
				t.Fatalf("SaveImage() error: %v", err)
			}
			if filepath.Ext(path) != tt.wantExt {
				t.Errorf("extension = %s, want %s", filepath.Ext(path), tt.wantExt)
			}
			if !strings.HasPrefix(filepath.Base(path), "image_") {
				t.Errorf("path %s missing image_ prefix", path)
			}
		})
	}
}

func TestSaveImage_Idempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := SaveImage(dir, "data:image/png;base64,AAAA")
	if err != nil {
		t.Fatalf("SaveImage() error: %v", err)
	}
	second, err := SaveImage(dir, "data:image/png;base64,AAAA")
	if err != nil {
		t.Fatalf("SaveImage() error: %v", err)
	}
	if first != second {
		t.Errorf("identical image produced different paths: %s vs %s", first, second)
	}
}
