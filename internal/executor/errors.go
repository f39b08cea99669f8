package executor

import "errors"

var (
	// ErrNotFound means the exchange has no order with that id
	ErrNotFound = errors.New("order not found")

	// ErrStateConflict means the operation does not apply to the order's
	// current state, e.g. cancelling a filled order
	ErrStateConflict = errors.New("order state conflict")

	// ErrReconcileRequired means an order timed out, was cancelled, and the
	// final query still shows a residual fill. The owning position flow must
	// halt until an operator reconciles the partial fill.
	ErrReconcileRequired = errors.New("partial fill after cancel, manual reconciliation required")

	// ErrFillTimeout means the order did not fill within the polling budget
	// and was cancelled cleanly with no residual fill
	ErrFillTimeout = errors.New("order not filled within polling budget")
)
