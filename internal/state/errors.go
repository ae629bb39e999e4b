package state

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a step of the apply pipeline.
type Stage string

// Pipeline stages.
const (
	StageInit        Stage = "init"
	StageFilter      Stage = "filter"
	StageMaterialize Stage = "materialize"
	StageApply       Stage = "apply"
	StageAppend      Stage = "append"
)

// Configuration errors
var (
	// ErrPluginConfig indicates a bad plugin set: duplicate keys, missing
	// dependencies, conflicts or dependency cycles.
	ErrPluginConfig = errors.New("invalid plugin configuration")

	// ErrSchemaMismatch indicates a transaction built for another schema.
	ErrSchemaMismatch = errors.New("transaction schema does not match state")

	// ErrNilTransaction indicates Apply was called without a transaction.
	ErrNilTransaction = errors.New("nil transaction")
)

// PluginError reports a hook that returned an error or panicked.
type PluginError struct {
	Stage  Stage
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %q failed in %s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// PluginTimeoutError reports a hook that did not finish within the hook
// timeout.
type PluginTimeoutError struct {
	Stage   Stage
	Plugin  string
	Timeout time.Duration
}

func (e *PluginTimeoutError) Error() string {
	return fmt.Sprintf("plugin %q timed out in %s after %s", e.Plugin, e.Stage, e.Timeout)
}

// StageError reports a structural or schema failure outside plugin code.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// AppendLimitError reports an append loop that kept producing transactions.
type AppendLimitError struct {
	Limit int
}

func (e *AppendLimitError) Error() string {
	return fmt.Sprintf("append loop exceeded %d rounds", e.Limit)
}
