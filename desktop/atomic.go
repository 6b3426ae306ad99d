package desktop

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meigma/appbundle/internal/fileops"
)

const dirPerm = 0o755

// fileWriter stages content in a temporary file next to its destination.
// Commit renames it into place; Discard removes it.
type fileWriter struct {
	file      *os.File
	tmpPath   string
	finalPath string
	mode      fs.FileMode
}

func newFileWriter(path string, mode fs.FileMode) (*fileWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".appbundle-*")
	if err != nil {
		return nil, err
	}
	return &fileWriter{
		file:      tmp,
		tmpPath:   tmp.Name(),
		finalPath: path,
		mode:      mode,
	}, nil
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *fileWriter) Commit() error {
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	if err := os.Chmod(w.tmpPath, w.mode); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	return nil
}

func (w *fileWriter) Discard() error {
	_ = w.file.Close()
	return os.Remove(w.tmpPath)
}

// writeFrom atomically replaces path with the contents of r.
func writeFrom(path string, r io.Reader, mode fs.FileMode) error {
	w, err := newFileWriter(path, mode)
	if err != nil {
		return err
	}
	if _, err := fileops.Copy(w, r); err != nil {
		_ = w.Discard()
		return err
	}
	return w.Commit()
}

// writeFile atomically replaces path with data.
func writeFile(path string, data []byte, mode fs.FileMode) error {
	return writeFrom(path, bytes.NewReader(data), mode)
}
