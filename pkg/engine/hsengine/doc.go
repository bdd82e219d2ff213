// Package hsengine implements engine.Engine with Intel Hyperscan through
// github.com/flier/gohs.
//
// Hyperscan needs CGO and the native library. Builds without CGO or the
// hyperscan build tag get a stub whose New returns ErrUnavailable.
package hsengine

import "errors"

// ErrUnavailable is returned by New in builds without hyperscan.
var ErrUnavailable = errors.New("hyperscan requires CGO (build with CGO_ENABLED=1 and -tags=hyperscan)")
