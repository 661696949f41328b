//go:build !linux && !darwin

package local

import "errors"

// NewSystemEngine is unavailable on platforms without dlopen support; tests
// and alternative hosts inject an Engine through Options.
func NewSystemEngine() (Engine, error) {
	return nil, errors.New("local llama engine is not supported on this platform")
}
