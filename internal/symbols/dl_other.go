//go:build !(darwin || linux || freebsd)

package symbols

import (
	"fmt"
	"runtime"
)

type Library struct {
	path string
}

func Open(path string) (*Library, error) {
	return nil, fmt.Errorf("symbols: shared libraries not supported on %s", runtime.GOOS)
}

func (l *Library) Path() string { return l.path }

func (l *Library) ResolveSymbol(name string) (uintptr, error) {
	return 0, fmt.Errorf("%q: %w", name, ErrUnresolved)
}

func (l *Library) Close() error { return nil }
