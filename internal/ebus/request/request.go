// Package request implements the RequestQueue of spec.md §4.5: a
// mutex-protected FIFO of pending bus transactions with a bounded blocking
// pop, consumed by exactly one dispatcher task and fed by north-bound
// servers and BusHandler's own poll/scan generators.
package request

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// PollRequest is a periodic catalog-driven poll of one message definition
// (spec.md §3 "PollRequest{message, current-part-index}").
type PollRequest struct {
	Message   *message.Message
	PartIndex int
}

// ScanRequest walks a (slave address × message) matrix, one transaction at
// a time, accumulating decoded results into the caller-owned scan-result
// table (spec.md §3 "ScanRequest{queried-definitions, remaining-slaves,
// current-definition, current-part-index, delete-on-finish, result-code}").
type ScanRequest struct {
	Defs            []*message.Message
	RemainingSlaves []symbol.Symbol
	CurrentDef      int
	PartIndex       int
	DeleteOnFinish  bool
	ResultCode      ebuserr.Kind
}

// Result is what a Request resolves to once its transaction completes.
type Result struct {
	Slave symbol.SlaveFrame
	Err   error
}

// Request is the unit of work the RequestQueue carries. Exactly one of
// Poll or Scan is set for internally-generated requests; both are nil for
// a plain external request. Master always carries the prepared master
// frame bytes to send, per spec.md §3 "Every request carries the master
// frame bytes to be sent."
type Request struct {
	// ID uniquely identifies this request for the text-line/HTTP audit
	// trail (spec.md §6): every log line the Dispatcher emits while
	// servicing a request carries it, so a client's "write" call can be
	// traced through arbitration/retry logging even once several other
	// requests have been interleaved ahead of or behind it in the queue.
	ID string

	Master symbol.MasterFrame
	Poll   *PollRequest
	Scan   *ScanRequest

	// Priority is lower-is-more-urgent; external requests use 0, background
	// poll and scan requests use 1, matching
	// spec.md §4.6 "enqueue a PollRequest at non-waiting priority".
	Priority int

	wait bool
	done chan Result
}

// NewExternalRequest builds a request on behalf of a north-bound client
// that owns master, carrying master frame bytes already assembled by the
// caller. If wait is true, Await blocks until the transaction completes.
func NewExternalRequest(master symbol.MasterFrame, wait bool) *Request {
	r := &Request{ID: uuid.NewString(), Master: master, Priority: 0, wait: wait}
	if wait {
		r.done = make(chan Result, 1)
	}
	return r
}

// NewPollRequest builds a non-waiting request for BusHandler's idle-poll
// generator (spec.md §4.6).
func NewPollRequest(master symbol.MasterFrame, m *message.Message) *Request {
	return &Request{ID: uuid.NewString(), Master: master, Priority: 1, Poll: &PollRequest{Message: m}}
}

// NewScanRequest builds a non-waiting request that walks defs across
// slaves; scanAndWait callers pass wait=true to block on completion of the
// whole walk (signalled by Complete being called with DeleteOnFinish set).
func NewScanRequest(master symbol.MasterFrame, defs []*message.Message, slaves []symbol.Symbol, wait bool) *Request {
	r := &Request{
		ID:       uuid.NewString(),
		Master:   master,
		Priority: 1,
		Scan: &ScanRequest{
			Defs:            defs,
			RemainingSlaves: slaves,
			DeleteOnFinish:  true,
		},
		wait: wait,
	}
	if wait {
		r.done = make(chan Result, 1)
	}
	return r
}

// Waitable reports whether the caller registered a completion waiter.
func (r *Request) Waitable() bool { return r.wait }

// Complete resolves the request's waiter, if any. Safe to call even if no
// one is waiting. Must be called at most once per request.
func (r *Request) Complete(res Result) {
	if r.done == nil {
		return
	}
	r.done <- res
}

// Await blocks until the request completes or ctx is cancelled. Calling
// Await on a request built without wait=true returns ebuserr.ErrInvalidArg
// immediately.
func (r *Request) Await(ctx context.Context) (Result, error) {
	if r.done == nil {
		return Result{}, ebuserr.ErrInvalidArg
	}
	select {
	case res := <-r.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ebuserr.ErrTimeout
	}
}

// AwaitTimeout is a convenience wrapper around Await for callers without
// an existing context.
func (r *Request) AwaitTimeout(d time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Await(ctx)
}
