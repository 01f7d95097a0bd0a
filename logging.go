package accesskit

import "github.com/portmesh/accesskit/logger"

// Logger is re-exported so embedders wiring WithLogger do not need a second
// import for the contract.
type Logger = logger.Logger

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger { return logger.NewNop() }
