package calls

import "errors"

// Error taxonomy. Callers wrap these with detail via fmt.Errorf("%w: ...")
// and the HTTP boundary maps them with errors.Is.
var (
	// ErrValidation is bad or missing caller input (4xx).
	ErrValidation = errors.New("calls: validation failed")
	// ErrProvider is a telephony transport failure, including timeouts (5xx with detail).
	ErrProvider = errors.New("calls: provider failure")
	// ErrNotFound is an unknown call. Provider callbacks turn it into a benign flow.
	ErrNotFound = errors.New("calls: not found")
	// ErrStore is a persistence failure.
	ErrStore = errors.New("calls: store failure")
)
