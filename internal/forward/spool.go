package forward

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Spool stores raw message bytes on disk between SMTP acceptance and the
// final delivery outcome. Files are written once and read on every
// attempt; fanout siblings share one file.
type Spool struct {
	dir string
}

// NewSpool opens (creating if needed) the spool directory.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Write stores data under the record id and returns the file path. The
// write goes through a temp file so a crash never leaves a half-written
// message behind the final name.
func (s *Spool) Write(id string, data []byte) (string, error) {
	path := filepath.Join(s.dir, id+".eml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing spool file: %w", err)
	}
	return path, nil
}

// Read returns the spooled bytes at path.
func (s *Spool) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes a spooled message. A missing file is not an error:
// terminal settlements of fanout siblings race for the delete.
func (s *Spool) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
