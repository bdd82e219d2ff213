//go:build !cgo || !hyperscan

package hsengine

import "github.com/praetorian-inc/echidna/pkg/engine"

// Available reports whether the hyperscan engine was compiled in.
func Available() bool {
	return false
}

// Version returns an empty string in builds without hyperscan.
func Version() string {
	return ""
}

// New stub for builds without hyperscan.
func New() (engine.Engine, error) {
	return nil, ErrUnavailable
}
