package codesign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCSReqToolMissing(t *testing.T) {
	tool := CSReqTool{Path: filepath.Join(t.TempDir(), "no-such-csreq")}
	text, ok := tool.Decompile(context.Background(), EmptyRequirements())
	if ok || text != "" {
		t.Errorf("Expected no text from a missing tool, got %q", text)
	}
}

// fakeCSReq writes a shell script that prints the path it was given for -r
// and the size of that file.
func fakeCSReq(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "csreq")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCSReqToolDecompile(t *testing.T) {
	tool := CSReqTool{Path: fakeCSReq(t, `echo "$2"; wc -c < "$2"`)}
	blob := EmptyRequirements()
	text, ok := tool.Decompile(context.Background(), blob)
	if !ok {
		t.Fatalf("Expected decompile to succeed")
	}
	var tmp string
	var size int
	if _, err := fmt.Sscan(text, &tmp, &size); err != nil {
		t.Fatalf("Unexpected tool output %q: %v", text, err)
	}
	if size != len(blob) {
		t.Errorf("Expected the tool to read %d bytes, got %d", len(blob), size)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp file %s should be removed, stat returned %v", tmp, err)
	}
}

func TestCSReqToolFailure(t *testing.T) {
	tool := CSReqTool{Path: fakeCSReq(t, "exit 3")}
	if _, ok := tool.Decompile(context.Background(), EmptyRequirements()); ok {
		t.Errorf("a failing tool should not produce text")
	}
}

func TestCSReqToolTimeout(t *testing.T) {
	tool := CSReqTool{Path: fakeCSReq(t, "exec sleep 5"), Timeout: 50 * time.Millisecond}
	start := time.Now()
	if _, ok := tool.Decompile(context.Background(), EmptyRequirements()); ok {
		t.Errorf("a tool that times out should not produce text")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout not applied, took %s", elapsed)
	}
}
