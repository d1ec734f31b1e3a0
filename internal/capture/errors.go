package capture

import "errors"

var (
	// ErrStorageOpen is returned when a write source cannot be created.
	// The transition that needed it is rolled back.
	ErrStorageOpen = errors.New("write source could not be opened")

	// ErrStorageWrite halts the current take; a new take must be started explicitly.
	ErrStorageWrite = errors.New("write source append failed")

	// ErrInvalidTransition rejects a request that is illegal in the current state.
	ErrInvalidTransition = errors.New("invalid record state transition")

	// ErrConfiguration reports buffers and sources that disagree on channel layout.
	ErrConfiguration = errors.New("inconsistent channel configuration")

	// ErrNotRecordable is returned for engines created without the recordable flag.
	ErrNotRecordable = errors.New("engine is not recordable")
)
