package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "unknown"},
		{"history", "history"},
		{"33 rpm / deck 1", "33_rpm_deck_1"},
		{"../../etc/passwd", "etc_passwd"},
		{"...", "unknown"},
		{"wow&flutter.csv", "wow_flutter.csv"},
		{"ünïcode", "n_code"},
		{strings.Repeat("a", 200), strings.Repeat("a", maxFilenameLen)},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidatePathWithin(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(dir, "backup.db"), false},
		{"nested", filepath.Join(dir, "a", "b.db"), false},
		{"dir itself", dir, true},
		{"parent", filepath.Join(dir, ".."), true},
		{"traversal", filepath.Join(dir, "..", "escape.db"), true},
		{"elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithin(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithin(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithin_SymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := ValidatePathWithin(filepath.Join(link, "x.db"), dir); err == nil {
		t.Error("expected a symlinked parent outside dir to be rejected")
	}
}

func TestBackupPath(t *testing.T) {
	dir := t.TempDir()
	at := time.Unix(1700000000, 0)

	p, err := BackupPath(dir, "", at)
	if err != nil {
		t.Fatalf("BackupPath() error = %v", err)
	}
	if want := filepath.Join(dir, "turntable-backup-1700000000.db"); p != want {
		t.Errorf("BackupPath() = %q, want %q", p, want)
	}

	p, err = BackupPath(dir, "../before upgrade", at)
	if err != nil {
		t.Fatalf("BackupPath() error = %v", err)
	}
	if want := filepath.Join(dir, "turntable-backup-before_upgrade-1700000000.db"); p != want {
		t.Errorf("BackupPath() = %q, want %q", p, want)
	}
}
