package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadFileRangeWholeFile(t *testing.T) {
	path := writeTestFile(t, "whole.txt", []byte("hello world"))

	data, eof, err := readFileRange(path, 0, 1024)
	if err != nil {
		t.Fatalf("readFileRange: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q, want %q", data, "hello world")
	}
	if !eof {
		t.Error("eof = false, want true")
	}
}

func TestReadFileRangeWindows(t *testing.T) {
	path := writeTestFile(t, "windows.txt", []byte("0123456789"))

	data, eof, err := readFileRange(path, 0, 4)
	if err != nil {
		t.Fatalf("first window: %v", err)
	}
	if string(data) != "0123" || eof {
		t.Errorf("first window = %q, eof=%v, want %q, false", data, eof, "0123")
	}

	data, eof, err = readFileRange(path, 4, 4)
	if err != nil {
		t.Fatalf("second window: %v", err)
	}
	if string(data) != "4567" || eof {
		t.Errorf("second window = %q, eof=%v, want %q, false", data, eof, "4567")
	}

	data, eof, err = readFileRange(path, 8, 4)
	if err != nil {
		t.Fatalf("final window: %v", err)
	}
	if string(data) != "89" || !eof {
		t.Errorf("final window = %q, eof=%v, want %q, true", data, eof, "89")
	}
}

func TestReadFileRangeOffsetPastEnd(t *testing.T) {
	path := writeTestFile(t, "short.txt", []byte("abc"))

	data, eof, err := readFileRange(path, 100, 1024)
	if err != nil {
		t.Fatalf("readFileRange: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data = %q, want empty", data)
	}
	if !eof {
		t.Error("eof = false, want true")
	}
}

func TestReadFileRangeEmptyFile(t *testing.T) {
	path := writeTestFile(t, "empty.txt", nil)

	data, eof, err := readFileRange(path, 0, 1024)
	if err != nil {
		t.Fatalf("readFileRange: %v", err)
	}
	if len(data) != 0 || !eof {
		t.Errorf("got %q, eof=%v, want empty, true", data, eof)
	}
}

func TestReadFileRangeRejectsDirectory(t *testing.T) {
	if _, _, err := readFileRange(t.TempDir(), 0, 1024); err == nil {
		t.Error("reading a directory succeeded, want error")
	}
}

func TestReadFileRangeMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")
	if _, _, err := readFileRange(path, 0, 1024); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
