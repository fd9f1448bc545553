package jsonutil

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

type report struct {
	FreeBlocks uint32   `json:"free_blocks"`
	Errors     []string `json:"errors"`
}

func TestEncodeIndents(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, report{FreeBlocks: 7}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "\n  \"free_blocks\": 7") {
		t.Errorf("output not indented: %q", buf.String())
	}
}

func TestWriteFileCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "verify.json")
	in := report{FreeBlocks: 42, Errors: []string{"cache entry (3,4) allocated"}}
	if err := WriteFile(path, in); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	var out report
	if err := ReadFile(path, &out); err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if out.FreeBlocks != 42 || len(out.Errors) != 1 {
		t.Errorf("ReadFile = %+v", out)
	}
}
