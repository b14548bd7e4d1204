package server

import (
	"fmt"
	"os"
)

// backingMirror mirrors every committed command and timestamp line to an
// on-disk file. It is write-only from the server's perspective: every read
// is served from the RingLog, never from this file. It exists purely so
// operators get an on-disk artifact of what passed through the device, and
// is removed on clean shutdown rather than kept across restarts.
type backingMirror struct {
	path string
	file *os.File
}

func openBackingMirror(path string) (*backingMirror, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &backingMirror{path: path, file: f}, nil
}

func (m *backingMirror) append(b []byte) error {
	if m == nil || len(b) == 0 {
		return nil
	}
	_, err := m.file.Write(b)
	return err
}

func (m *backingMirror) removeAndClose() error {
	if m == nil {
		return nil
	}
	closeErr := m.file.Close()
	if err := os.Remove(m.path); err != nil && closeErr == nil {
		return err
	}
	return closeErr
}
