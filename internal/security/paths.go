// Package security guards the few places where request input reaches the
// filesystem: backup files and download names.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// maxFilenameLen bounds names built from user input.
const maxFilenameLen = 64

// SanitizeFilename maps s to a name made only of ASCII letters, digits,
// dot, underscore and dash. Runs of other characters become one underscore.
// An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		if !ok {
			pendingUnderscore = true
			continue
		}
		if pendingUnderscore && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingUnderscore = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// ValidatePathWithin returns an error unless path resolves to a location
// inside dir. Symlinks in dir itself are resolved before comparing.
func ValidatePathWithin(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absDir); err == nil {
		if rel, err := filepath.Rel(absDir, absPath); err == nil {
			absPath = filepath.Join(resolved, rel)
		}
		absDir = resolved
	}
	if parent, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
		absPath = filepath.Join(parent, filepath.Base(absPath))
	}

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes %s", path, dir)
	}
	return nil
}

// BackupPath names a database backup file in dir. The optional label is
// sanitized into the name.
func BackupPath(dir, label string, at time.Time) (string, error) {
	name := fmt.Sprintf("turntable-backup-%d.db", at.Unix())
	if label != "" {
		name = fmt.Sprintf("turntable-backup-%s-%d.db", SanitizeFilename(label), at.Unix())
	}
	p := filepath.Join(dir, name)
	if err := ValidatePathWithin(p, dir); err != nil {
		return "", err
	}
	return p, nil
}
