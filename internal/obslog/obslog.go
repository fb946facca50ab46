// Package obslog builds the root logger cmd/p11tool hands to every backend
// Open function. It's a one-line wrapper around
// github.com/harwoeck/liblog/contract's own MustNewStd, the same
// constructor the example pack reaches for everywhere it needs a
// standalone logger.Logger outside of a larger application (tearc's own
// tests, the dvx example binary).
package obslog

import (
	logger "github.com/harwoeck/liblog/contract"
)

// New builds a root logger.Logger backed by the contract package's
// standard console sink.
func New() logger.Logger {
	return logger.MustNewStd()
}
