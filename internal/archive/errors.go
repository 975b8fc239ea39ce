package archive

import "errors"

// Sentinel errors driving per-item disposition in the processing queue.
var (
	ErrMissingVolume = errors.New("archive: missing volume")
	ErrCorrupt       = errors.New("archive: corrupt")
	ErrEncrypted     = errors.New("archive: encrypted")
	ErrTimeout       = errors.New("archive: integrity test timed out")
	ErrIO            = errors.New("archive: io error")
)
