package httprpc

import (
	"fmt"
	"sync"
	"time"
)

// Error codes carried by Status.Err, independent of transport.
const (
	// OK means the call completed with a 2xx response.
	OK = 0
	// FAIL is a logical failure with a message; not retried above
	// the HTTP layer.
	FAIL = -1
	// ErrTimeout means blocking I/O exceeded its budget; retried up
	// to the retry cap.
	ErrTimeout = -2
)

// Status carries the outcome of one RPC. A Status is created per call
// and must not be reused.
type Status struct {
	// ConnectSuccess is set once a usable connection was obtained.
	ConnectSuccess bool
	// Finished is set exactly once, when the call completed (in the
	// submitter's worker for async calls).
	Finished bool

	// Err is OK, FAIL or ErrTimeout; ErrorMessage explains non-OK.
	Err          int
	ErrorMessage string

	// HTTPReturnCode is the HTTP status code, 0 if none received.
	HTTPReturnCode int

	// TraceID identifies this call; MasterTraceID is set when the
	// call was batched into a multi-RPC.
	TraceID       string
	MasterTraceID string

	// Sizes of the serialized request/response bodies on the wire.
	ReqSize  int
	RespSize int
	// RawReqSize/RawRespSize are the sizes before/after compression.
	RawReqSize  int
	RawRespSize int

	// Timing breakdown.
	PendingTime  time.Duration
	ReqBuildTime time.Duration
	ReqSendTime  time.Duration
	WaitTime     time.Duration
	RespRecvTime time.Duration

	// Retry counts how many attempts were made beyond the first.
	Retry int
	// Timeout is the per-attempt I/O budget used.
	Timeout time.Duration

	// ResponseHeaders holds the parsed response header fields,
	// lower-cased keys.
	ResponseHeaders map[string]string

	mu       sync.Mutex
	notify   chan struct{}
	notified bool
}

// NewStatus returns a Status ready for one call.
func NewStatus() *Status {
	return &Status{notify: make(chan struct{})}
}

// MarkFinished sets Finished and wakes any Wait.
func (s *Status) MarkFinished() {
	s.mu.Lock()
	s.Finished = true
	if !s.notified {
		s.notified = true
		close(s.notify)
	}
	s.mu.Unlock()
}

// Wait blocks until the call finishes.
func (s *Status) Wait() {
	<-s.notify
}

// DebugString summarizes the status for logs.
func (s *Status) DebugString() string {
	return fmt.Sprintf("code=%d err=%d msg=%q retry=%d req=%d resp=%d trace=%s",
		s.HTTPReturnCode, s.Err, s.ErrorMessage, s.Retry, s.ReqSize, s.RespSize, s.TraceID)
}
