package internal

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ContentSizeThreshold is the text length (in characters) above which a
// user message body is written to a side file and referenced with
// @path instead of being inlined on the command line.
const ContentSizeThreshold = 4000

// imageExtensions maps data-URI MIME types to file extensions.
var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// SplitFilenameHint detects a leading "<name>.<ext>" line and splits it
// from the body. Returns ("", text) when the first line does not look
// like a filename.
func SplitFilenameHint(text string) (string, string) {
	first, rest, found := strings.Cut(text, "\n")
	if !found {
		return "", text
	}

	candidate := strings.TrimSpace(first)
	if len(candidate) >= 300 || !strings.Contains(candidate, ".") || strings.HasPrefix(first, " ") {
		return "", text
	}

	ext := strings.ToLower(candidate[strings.LastIndex(candidate, ".")+1:])
	if len(ext) > 10 || !isAlnum(ext) {
		return "", text
	}

	return candidate, rest
}

// SaveText persists content under dir with a content-addressed name so
// identical content always maps to the identical path. The extension
// comes from the filename hint, defaulting to .txt.
func SaveText(dir, content, filenameHint string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}

	ext := ".txt"
	if filenameHint != "" {
		if idx := strings.LastIndex(filenameHint, "."); idx >= 0 {
			candidate := "." + strings.ToLower(filenameHint[idx+1:])
			if len(candidate) <= 11 && isAlnum(candidate[1:]) {
				ext = candidate
			}
		}
	}

	path := filepath.Join(dir, fmt.Sprintf("upload_%s%s", contentHash([]byte(content)), ext))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing temp file: %w", err)
	}

	logger.Debugf("Saved text content to temp file: %s (%d bytes)", path, len(content))
	return path, nil
}

// SaveImage decodes a base64 data URI and persists it under dir with a
// content-addressed name. The extension follows the MIME type,
// defaulting to .png.
func SaveImage(dir, dataURL string) (string, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", fmt.Errorf("invalid data URL")
	}

	header, encoded, found := strings.Cut(dataURL, ",")
	if !found {
		return "", fmt.Errorf("invalid data URL: missing payload")
	}

	mimeType := "image/png"
	mimePart := strings.SplitN(header, ";", 2)[0] // data:image/jpeg
	if _, after, ok := strings.Cut(mimePart, ":"); ok {
		mimeType = after
	}
	ext, ok := imageExtensions[mimeType]
	if !ok {
		ext = ".png"
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding image payload: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("image_%s%s", contentHash(raw), ext))
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("writing image file: %w", err)
	}

	logger.Debugf("Saved image to temp file: %s (%d bytes)", path, len(raw))
	return path, nil
}

// contentHash returns the first 12 hex chars of the SHA-256 digest,
// enough to content-address upload files without collisions in practice.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
