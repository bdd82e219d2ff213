package matcher

import (
	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/idgen"
)

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger. The default is dlog.FromEnv().
func WithLogger(l *dlog.Logger) Option {
	return func(m *Matcher) {
		m.log = l
	}
}

// WithMetrics records compile and scan metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Matcher) {
		m.metrics = metrics
	}
}

// WithRegistry sets the ID registry used by AddExpression. The default is
// idgen.Default().
func WithRegistry(ids *idgen.Registry) Option {
	return func(m *Matcher) {
		m.ids = ids
	}
}

// WithCallback sets the initial match callback.
func WithCallback(cb MatchCb) Option {
	return func(m *Matcher) {
		m.callback = cb
	}
}
