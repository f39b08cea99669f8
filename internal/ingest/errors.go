package ingest

import "errors"

var (
	// ErrCredentialsMissing means a private endpoint was attempted without
	// API credentials configured
	ErrCredentialsMissing = errors.New("exchange credentials missing")

	// ErrRateLimited means the exchange rejected the request for exceeding
	// its rate budget
	ErrRateLimited = errors.New("exchange rate limited")

	// ErrUnsupportedSymbol means the exchange does not list the pair; the
	// symbol must be quarantined, never retried
	ErrUnsupportedSymbol = errors.New("symbol not supported by exchange")
)
