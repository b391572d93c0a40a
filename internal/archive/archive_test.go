package archive

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestReadRootRevision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.db")

	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[rootRevisionOffset:], 777)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := readRootRevision(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != 777 {
		t.Errorf("readRootRevision = %d, want 777", got)
	}
}

func TestReadRootRevision_TruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.db")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := readRootRevision(path); err == nil {
		t.Fatal("expected an error reading a file too short to hold a root revision")
	}
}
