package winemu

import "errors"

var (
	// ErrProcessExit is raised by the exit-API hook. It ends the current
	// run cleanly; it is an expected halt, not a failure.
	ErrProcessExit = errors.New("emulated process exit")

	// ErrStackCorruption means the return-address guard could not find a
	// valid return address within its search window. It aborts the
	// current run only.
	ErrStackCorruption = errors.New("no valid return address found on stack")

	// ErrHitLimit ends a run after the call monitor captured its
	// configured number of target-call occurrences.
	ErrHitLimit = errors.New("target call hit limit reached")

	// ErrRepeatLimit ends a run whose execution revisited a single
	// instruction more than the configured bound. Keeps looping or
	// obfuscated code from starving collection.
	ErrRepeatLimit = errors.New("per-instruction repeat limit reached")

	// ErrTickLimit ends a run that exceeded its overall instruction
	// budget.
	ErrTickLimit = errors.New("instruction budget exhausted")
)
