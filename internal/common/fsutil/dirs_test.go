package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/images/vol.img", filepath.Join(home, "images/vol.img")},
		{"/abs/vol.img", "/abs/vol.img"},
		{"rel~/vol.img", "rel~/vol.img"},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestCreateDirAndFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := CreateDirIfNotExists(dir); err != nil {
		t.Fatalf("CreateDirIfNotExists failed: %v", err)
	}
	if FileExists(dir) {
		t.Error("FileExists reported a directory")
	}
	f := filepath.Join(dir, "x")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(f) {
		t.Error("FileExists missed a regular file")
	}
}
