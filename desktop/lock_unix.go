//go:build unix

package desktop

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory flock on path. Exclusive locks create the file
// and its directory; shared locks never create anything and succeed without
// locking when the file is absent. Locks are
// per open file, so they serialize goroutines of one process as well as
// separate processes.
func lockFile(path string, exclusive bool) (func(), error) {
	how := unix.LOCK_SH
	flag := os.O_RDONLY
	if exclusive {
		how = unix.LOCK_EX
		flag = os.O_RDWR | os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if !exclusive && errors.Is(err, fs.ErrNotExist) {
		return func() {}, nil
	}
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, &os.PathError{Op: "flock", Path: path, Err: err}
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
	}, nil
}
