package model

import "errors"

// Crypto envelope failures (spec.md §4.1, §7: fatal — tear down the session).
var (
	ErrSignatureInvalid    = errors.New("corrupted_data")
	ErrAuthorMismatch      = errors.New("corrupted_data")
	ErrTimestampMismatch   = errors.New("corrupted_data")
	ErrTimestampRegression = errors.New("corrupted_data")
	ErrDecryptionFailed    = errors.New("corrupted_data")
	ErrBlockDigestMismatch = errors.New("corrupted_data")
	ErrUnknownDevice       = errors.New("corrupted_data")
)

// Local store errors: a missing entry and an already-existing block are
// recoverable locally; a corrupted local db is fatal.
var (
	ErrLocalDBMissingEntry = errors.New("local db: missing entry")
	ErrLocalDBCorrupted    = errors.New("local db: corrupted")
	ErrBlockAlreadyExists  = errors.New("block already exists")
)

// Backend client errors (spec.md §6, §7: surface to caller or fatal).
var (
	ErrUnavailable     = errors.New("backend unavailable")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidResponse = errors.New("invalid response")
	ErrAccessDenied    = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrBadVersion      = errors.New("bad version")
	ErrTrustSeed       = errors.New("trust seed mismatch")
	ErrInMaintenance   = errors.New("backend in maintenance")
)

// Mount/driver errors (spec.md §7: fatal).
var ErrMountpointDriverCrash = errors.New("mountpoint driver crashed")
