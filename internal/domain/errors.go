package domain

import "errors"

// Closed error kinds. Callers classify with errors.Is; wrap sites add context
// with fmt.Errorf and %w.
var (
	// ErrIngest covers malformed rows, unsupported formats and oversize input.
	ErrIngest = errors.New("ingest error")

	// ErrIngestTooLarge marks input above the configured size cap.
	ErrIngestTooLarge = errors.New("ingest input too large")

	// ErrInvariant covers JE balance violations, missing CoA mappings and
	// unexpected duplicate external ids.
	ErrInvariant = errors.New("invariant violation")

	// ErrSignalDegraded marks an LLM/embedding timeout, unavailability or
	// budget exhaustion. Always recovered locally: the signal scores zero.
	ErrSignalDegraded = errors.New("signal degraded")

	// ErrCalibration means no calibration model exists for the current
	// classifier version; auto-post is refused until one does.
	ErrCalibration = errors.New("calibration unavailable")

	// ErrConcurrency marks a lost version-swap race. Retried once, then surfaced.
	ErrConcurrency = errors.New("concurrent version swap")

	// ErrStorage marks a Store/BlobStore failure, surfaced to the caller.
	ErrStorage = errors.New("storage error")

	// ErrNotFound is returned by stores for missing entities.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by conditional inserts when the unique key
	// already exists. Exporters treat it as skipped_duplicate, not a failure.
	ErrDuplicate = errors.New("duplicate key")
)

// IngestTooLarge reports whether err is the oversize-input case.
func IngestTooLarge(err error) bool { return errors.Is(err, ErrIngestTooLarge) }
