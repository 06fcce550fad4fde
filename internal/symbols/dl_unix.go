//go:build darwin || linux || freebsd

package symbols

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// Library resolves symbols from a shared library loaded into the process.
type Library struct {
	path string

	mu     sync.Mutex
	handle uintptr
}

// Open loads the shared library at path.
func Open(path string) (*Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("symbols: open %s: %w", path, err)
	}
	return &Library{path: path, handle: h}, nil
}

func (l *Library) Path() string { return l.path }

func (l *Library) ResolveSymbol(name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return 0, fmt.Errorf("symbols: %s is closed", l.path)
	}
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("%q in %s: %w", name, l.path, ErrUnresolved)
	}
	return addr, nil
}

func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
