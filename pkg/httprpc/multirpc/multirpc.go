// Package multirpc coalesces several logical RPCs that share a path
// into one HTTP call, bounded by count, aggregate size, and a latency
// timer.
package multirpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/httprpc"
	"github.com/remotecc/remotecc/pkg/runtime"
)

// ErrCanceledMessage is set on children of a batch canceled at
// shutdown.
const ErrCanceledMessage = "multi_rpc canceled"

// Options bound a batch.
type Options struct {
	// MaxReqInCall dispatches a batch when it holds this many calls.
	MaxReqInCall int
	// ReqSizeThresholdInCall dispatches a batch when the aggregate
	// request size reaches this many bytes.
	ReqSizeThresholdInCall int
	// CheckInterval is the latency timer; any batch with at least
	// one pending call is dispatched at this cadence.
	CheckInterval time.Duration
}

func (o *Options) checkInterval() time.Duration {
	if o.CheckInterval <= 0 {
		return 100 * time.Millisecond
	}
	return o.CheckInterval
}

// combinedItem is one entry of a batched response: the per-item HTTP
// status plus the item payload.
type combinedItem struct {
	Code int    `cbor:"1,keyasint"`
	Body []byte `cbor:"2,keyasint"`
}

// EncodeCombinedResponse builds the wire form of a batched response;
// exported for the mock servers in tests.
func EncodeCombinedResponse(items []combinedItem) ([]byte, error) {
	return cbor.Marshal(items)
}

// CombinedResponseItem constructs an item for EncodeCombinedResponse.
func CombinedResponseItem(code int, body []byte) combinedItem {
	return combinedItem{Code: code, Body: body}
}

// DecodeCombinedRequest splits a batched request body; exported for
// the mock servers in tests.
func DecodeCombinedRequest(body []byte) ([][]byte, error) {
	var reqs [][]byte
	if err := cbor.Unmarshal(body, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// job is one logical call riding in a MultiJob.
type job struct {
	req      []byte
	resp     *[]byte
	status   *httprpc.Status
	worker   *runtime.Worker
	callback *runtime.Closure
}

// finish delivers the child's completion exactly once, on the
// submitter's worker.
func (j *job) finish(mrpc *MultiRPC) {
	status := j.status
	callback := j.callback
	deliver := runtime.NewCallback("multirpc.childDone", func() {
		status.MarkFinished()
		if callback != nil {
			callback.Run()
		}
	})
	if j.worker != nil {
		j.worker.RunClosure("multirpc.childDone", deliver, runtime.PriorityMed)
	} else {
		deliver.Run()
	}
}

// MultiJob is one pending batch. It moves collecting → dispatched →
// completed/canceled, and frees itself on completion.
type MultiJob struct {
	mrpc    *MultiRPC
	jobs    []*job
	reqSize int

	masterStatus *httprpc.Status
	combinedResp []byte
}

func (mj *MultiJob) numCalls() int { return len(mj.jobs) }

// addCall appends one logical call while collecting.
func (mj *MultiJob) addCall(j *job) {
	mj.jobs = append(mj.jobs, j)
	mj.reqSize += len(j.req)
}

// dispatch sends the batch. A batch of one goes to the non-batched
// path as a plain single RPC.
func (mj *MultiJob) dispatch() {
	if len(mj.jobs) == 1 {
		j := mj.jobs[0]
		logger.Debug("multi rpc with one call, sending single",
			logger.KeyPath, mj.mrpc.path)
		mj.mrpc.client.CallRawWithCallback(mj.mrpc.path, j.req, j.resp, j.status, j.worker, j.callback)
		mj.mrpc.jobDone()
		return
	}

	reqs := make([][]byte, len(mj.jobs))
	for i, j := range mj.jobs {
		reqs[i] = j.req
	}
	combined, err := cbor.Marshal(reqs)
	if err != nil {
		mj.fail(fmt.Sprintf("combine requests: %v", err))
		return
	}

	// The first child's budget seeds the combined call.
	mj.masterStatus = httprpc.NewStatus()
	mj.masterStatus.Timeout = mj.jobs[0].status.Timeout

	logger.Info("dispatching multi rpc",
		logger.KeyPath, mj.mrpc.multiPath,
		logger.KeyCount, len(mj.jobs),
		logger.KeyReqSize, len(combined))
	mj.mrpc.client.CallRawWithCallback(mj.mrpc.multiPath, combined, &mj.combinedResp,
		mj.masterStatus, nil, runtime.NewCallback("multirpc.done", mj.done))
}

// done fans the combined result back out to the children.
func (mj *MultiJob) done() {
	master := mj.masterStatus
	if master.HTTPReturnCode == 404 {
		// The backend does not speak the batched path.
		mj.mrpc.disable()
	}

	if master.Err != httprpc.OK {
		for _, j := range mj.jobs {
			j.status.ConnectSuccess = master.ConnectSuccess
			j.status.Err = master.Err
			j.status.ErrorMessage = master.ErrorMessage
			j.status.HTTPReturnCode = master.HTTPReturnCode
			j.status.MasterTraceID = master.TraceID
			j.finish(mj.mrpc)
		}
		mj.mrpc.jobDone()
		return
	}

	var items []combinedItem
	if err := cbor.Unmarshal(mj.combinedResp, &items); err != nil || len(items) != len(mj.jobs) {
		msg := "malformed combined response"
		if err != nil {
			msg = fmt.Sprintf("malformed combined response: %v", err)
		}
		for _, j := range mj.jobs {
			j.status.ConnectSuccess = master.ConnectSuccess
			j.status.Err = httprpc.FAIL
			j.status.ErrorMessage = msg
			j.status.MasterTraceID = master.TraceID
			j.finish(mj.mrpc)
		}
		mj.mrpc.jobDone()
		return
	}

	for i, j := range mj.jobs {
		j.status.ConnectSuccess = true
		j.status.MasterTraceID = master.TraceID
		j.status.HTTPReturnCode = items[i].Code
		if i == 0 {
			// Wire-level stats go to the first child only.
			j.status.ReqSize = master.ReqSize
			j.status.RespSize = master.RespSize
			j.status.Retry = master.Retry
			j.status.ReqSendTime = master.ReqSendTime
			j.status.WaitTime = master.WaitTime
			j.status.RespRecvTime = master.RespRecvTime
		}
		if items[i].Code/100 == 2 {
			j.status.Err = httprpc.OK
			if j.resp != nil {
				*j.resp = items[i].Body
			}
		} else {
			j.status.Err = httprpc.FAIL
			j.status.ErrorMessage = fmt.Sprintf(
				"MultiCall ok but single call failed: %d", items[i].Code)
		}
		j.finish(mj.mrpc)
	}
	mj.mrpc.jobDone()
}

// cancel fails every child without touching the network.
func (mj *MultiJob) cancel() {
	for _, j := range mj.jobs {
		j.status.ConnectSuccess = false
		j.status.Err = httprpc.FAIL
		j.status.ErrorMessage = ErrCanceledMessage
		j.finish(mj.mrpc)
	}
	mj.mrpc.jobDone()
}

func (mj *MultiJob) fail(msg string) {
	for _, j := range mj.jobs {
		j.status.Err = httprpc.FAIL
		j.status.ErrorMessage = msg
		j.finish(mj.mrpc)
	}
	mj.mrpc.jobDone()
}

// MultiRPC batches calls to multiPath, falling back to path for
// singleton batches and after the backend 404s the batched path.
type MultiRPC struct {
	wm     *runtime.Manager
	client *httprpc.Client

	path      string
	multiPath string
	opts      Options

	mu             sync.Mutex
	pending        *MultiJob
	inFlight       int
	available      bool
	checkerArmed   bool
	periodicID     runtime.PeriodicClosureID
	numCallByMulti []int
	shutdown       bool
}

// NewMultiRPC creates a batcher over client. path is the single-call
// path; multiPath the batched one.
func NewMultiRPC(wm *runtime.Manager, client *httprpc.Client, path, multiPath string, opts Options) *MultiRPC {
	if opts.MaxReqInCall <= 0 {
		panic("multirpc: MaxReqInCall must be positive")
	}
	return &MultiRPC{
		wm:             wm,
		client:         client,
		path:           path,
		multiPath:      multiPath,
		opts:           opts,
		available:      true,
		periodicID:     runtime.InvalidPeriodicClosureID,
		numCallByMulti: make([]int, opts.MaxReqInCall+1),
	}
}

// Call appends one logical RPC to the open batch, dispatching it when
// a bound is crossed. callback runs on worker when the call finishes.
func (m *MultiRPC) Call(reqBody []byte, respBody *[]byte, status *httprpc.Status, worker *runtime.Worker, callback *runtime.Closure) {
	m.mu.Lock()
	if !m.available || m.opts.MaxReqInCall == 1 {
		m.mu.Unlock()
		m.client.CallRawWithCallback(m.path, reqBody, respBody, status, worker, callback)
		return
	}

	if m.pending == nil {
		m.pending = &MultiJob{mrpc: m}
	}
	m.pending.addCall(&job{req: reqBody, resp: respBody, status: status, worker: worker, callback: callback})

	var toDispatch *MultiJob
	switch {
	case m.pending.numCalls() >= m.opts.MaxReqInCall,
		m.opts.ReqSizeThresholdInCall > 0 && m.pending.reqSize >= m.opts.ReqSizeThresholdInCall,
		m.client.IsShuttingDown():
		toDispatch = m.pending
		m.pending = nil
		m.inFlight++
		m.numCallByMulti[toDispatch.numCalls()]++
	default:
		m.armCheckerLocked()
	}
	m.mu.Unlock()

	if toDispatch != nil {
		toDispatch.dispatch()
	}
}

// armCheckerLocked registers the periodic latency checker once.
func (m *MultiRPC) armCheckerLocked() {
	if m.checkerArmed {
		return
	}
	m.checkerArmed = true
	m.periodicID = m.wm.RegisterPeriodicClosure("multirpc.check", m.opts.checkInterval(),
		runtime.NewPermanentCallback("multirpc.check", m.checkPending))
}

// checkPending runs on each tick of the check interval and dispatches
// the pending batch, whatever its size or age.
func (m *MultiRPC) checkPending() {
	m.mu.Lock()
	toDispatch := m.pending
	if toDispatch != nil {
		m.pending = nil
		m.inFlight++
		m.numCallByMulti[toDispatch.numCalls()]++
	}
	m.mu.Unlock()
	if toDispatch != nil {
		toDispatch.dispatch()
	}
}

// disable turns batching off for the client's lifetime.
func (m *MultiRPC) disable() {
	m.mu.Lock()
	if m.available {
		logger.Warn("disabling multi rpc", logger.KeyPath, m.multiPath)
	}
	m.available = false
	m.mu.Unlock()
}

// Available reports whether batching is still enabled.
func (m *MultiRPC) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *MultiRPC) jobDone() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

// Shutdown cancels the open batch and stops the latency checker.
// Children of the canceled batch observe connect_success=false,
// err=FAIL and the canceled message.
func (m *MultiRPC) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	canceled := m.pending
	m.pending = nil
	if canceled != nil {
		m.inFlight++
	}
	armed := m.checkerArmed
	id := m.periodicID
	m.checkerArmed = false
	m.mu.Unlock()

	if canceled != nil {
		canceled.cancel()
	}
	if armed && id != runtime.InvalidPeriodicClosureID {
		m.wm.UnregisterPeriodicClosure(id)
	}
}

// DebugString summarizes batching state for the status page.
func (m *MultiRPC) DebugString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := fmt.Sprintf("multi rpc %s: ", m.multiPath)
	if m.available {
		s += fmt.Sprintf("max_req_in_call=%d req_size_threshold_in_call=%d check_interval=%s",
			m.opts.MaxReqInCall, m.opts.ReqSizeThresholdInCall, m.opts.checkInterval())
	} else {
		s += "multi_call disabled"
	}
	pending := 0
	if m.pending != nil {
		pending = m.pending.numCalls()
	}
	s += fmt.Sprintf(" pending=%d in_flight=%d", pending, m.inFlight)
	return s
}
