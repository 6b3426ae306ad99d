//go:build !unix

package desktop

import (
	"os"
	"path/filepath"
	"sync"
)

// locks serializes integration within the process where flock is not
// available.
var locks sync.Map // path -> *sync.RWMutex

// lockFile locks path within the process. Only exclusive locks create the
// lock directory.
func lockFile(path string, exclusive bool) (func(), error) {
	if exclusive {
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return nil, err
		}
	}
	v, _ := locks.LoadOrStore(path, &sync.RWMutex{})
	mu := v.(*sync.RWMutex)
	if exclusive {
		mu.Lock()
		return mu.Unlock, nil
	}
	mu.RLock()
	return mu.RUnlock, nil
}
