package cog

import (
	"errors"
	"fmt"
)

// ErrInvalidChunkIndex indicates a chunk number outside [0, ChunkCount) of
// the requested level.
var ErrInvalidChunkIndex = errors.New("chunk index out of range")

// OverviewNotLoadedError signals that a chunk was requested for a level
// whose metadata has not been loaded. This is an expected control-flow
// signal, not a failure: it tells the caller exactly which LoadLevels call
// to issue. RequestChunk never loads implicitly and never waits for a
// concurrent load.
type OverviewNotLoadedError struct {
	Level int
}

func (e *OverviewNotLoadedError) Error() string {
	return fmt.Sprintf("overview level %d is not loaded; call LoadLevels first", e.Level)
}

// WrongStateError indicates an operation was invoked while the decoder is
// in a state that forbids it (typically Failed).
type WrongStateError struct {
	State State
	Op    string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("cannot %s while decoder is %s", e.Op, e.State)
}
