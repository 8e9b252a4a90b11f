package billing

import "errors"

var (
	// ErrNotFound is returned (wrapped) when an update targets a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrMissingBaseAmount is returned when a successful payment intent does
	// not carry the credit amount net of fees. The event cannot be applied.
	ErrMissingBaseAmount = errors.New("credit amount not found in payment intent metadata")

	// ErrTransactionSettled is returned when a terminal transaction would be
	// overwritten.
	ErrTransactionSettled = errors.New("transaction already settled")
)
