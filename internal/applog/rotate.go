package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// rotatingWriter is a minimal size-based rotating file writer: once the
// active file exceeds maxBytes, it is renamed to a numbered backup and a
// fresh file is opened. Backups beyond backupCount are pruned. No logging
// library in the retrieved corpus implements file rotation, so this is
// hand-rolled on os/path/filepath (see DESIGN.md).
type rotatingWriter struct {
	mu         sync.Mutex
	dir        string
	name       string
	maxBytes   int64
	backups    int
	file       *os.File
	written    int64
}

func newRotatingWriter(dir, name string, maxBytes int64, backups int) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &rotatingWriter{dir: dir, name: name, maxBytes: maxBytes, backups: backups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) path() string {
	return filepath.Join(w.dir, w.name)
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.written = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
	}
	for i := w.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path(), i)
		dst := fmt.Sprintf("%s.%d", w.path(), i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(w.path()); err == nil {
		os.Rename(w.path(), fmt.Sprintf("%s.1", w.path()))
	}
	return w.open()
}
