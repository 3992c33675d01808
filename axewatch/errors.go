package axewatch

import "errors"

var (
	// ErrTargetMissing means neither the target reference nor the default
	// root resolved to a region. The run is aborted without retry.
	ErrTargetMissing = errors.New("axewatch: scan target missing")

	// ErrScannerBusy is returned by scanners when the engine is already
	// running on the page. Non-initial scans skip; initial scans retry.
	ErrScannerBusy = errors.New("axewatch: scanner already running")

	// ErrRetriesExhausted ends the initial scan retry loop.
	ErrRetriesExhausted = errors.New("axewatch: initial scan retries exhausted")

	// ErrHighlightDisabled means the session draws no overlay: highlighting
	// is off, there is no renderer or the session was cleaned up.
	ErrHighlightDisabled = errors.New("axewatch: highlighting disabled")
)
