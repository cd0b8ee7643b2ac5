package forward

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSpoolRoundTrip(t *testing.T) {
	spool, err := NewSpool(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatalf("NewSpool() error: %v", err)
	}

	data := []byte("From: a@b\r\n\r\nhello\r\n")
	path, err := spool.Write("msg-1", data)
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := spool.Read(path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read() = %q, want %q", got, data)
	}

	if err := spool.Remove(path); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("spool file still present after Remove: %v", err)
	}
}

func TestSpoolRemoveMissing(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool() error: %v", err)
	}
	if err := spool.Remove(filepath.Join(t.TempDir(), "never-written.eml")); err != nil {
		t.Errorf("Remove(missing) error = %v, want nil", err)
	}
}

func TestSpoolWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	spool, err := NewSpool(dir)
	if err != nil {
		t.Fatalf("NewSpool() error: %v", err)
	}
	if _, err := spool.Write("msg-2", []byte("data")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "msg-2.eml" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("spool dir contents = %v, want [msg-2.eml]", names)
	}
}
