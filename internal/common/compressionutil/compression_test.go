package compression

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteAndReadFile(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xFF, 0x12, 0x34}, 4096)

	for _, kind := range []Kind{None, GZIP, BZIP2, XZ} {
		t.Run(kind.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "volume.img."+kind.String())
			if err := WriteFile(path, payload, kind); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			got, detected, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if detected != kind {
				t.Errorf("ReadFile detected %v; want %v", detected, kind)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("ReadFile returned %d bytes differing from the %d written", len(got), len(payload))
			}
		})
	}
}

func TestKindFromPath(t *testing.T) {
	tests := map[string]Kind{
		"disk.img":     None,
		"disk.img.gz":  GZIP,
		"disk.img.BZ2": BZIP2,
		"disk.img.xz":  XZ,
	}
	for path, want := range tests {
		if got := KindFromPath(path); got != want {
			t.Errorf("KindFromPath(%q) = %v; want %v", path, got, want)
		}
	}
}
