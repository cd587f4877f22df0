package rest

import "errors"

var (
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	ErrRetriesExhausted   = errors.New("retries exhausted")
)
