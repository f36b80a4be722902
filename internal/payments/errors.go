// Package payments turns invoice lifecycle events into durable ledger,
// schedule and notification side effects, exactly once per invoice.
package payments

import "errors"

var (
	ErrDuplicateInvoice  = errors.New("invoice already recorded")
	ErrUnknownInvoice    = errors.New("unknown invoice")
	ErrScheduleConflict  = errors.New("schedule slot overlaps an existing entry")
	ErrDownstreamFailure = errors.New("downstream step failed")
)
