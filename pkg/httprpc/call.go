package httprpc

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/internal/version"
	"github.com/remotecc/remotecc/pkg/bufpool"
	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/transport"
)

// httpCall is the state machine of one RPC attempt chain. All state
// transitions after start run on the chosen worker; completion is
// delivered on the submitter's worker.
type httpCall struct {
	client *Client
	path   string

	respBody       *[]byte
	status         *Status
	callbackWorker *runtime.Worker
	callback       *runtime.Closure

	request   []byte
	reqOffset int

	worker *runtime.Worker
	desc   transport.Descriptor
	sd     *runtime.SocketDescriptor

	parser *responseParser

	attempt   int
	backoff   backoff.BackOff
	startTime time.Time
	sendDone  time.Time

	done bool
}

// buildRequest assembles the request bytes once; retries resend the
// same bytes.
func (h *httpCall) buildRequest(body []byte) error {
	opts := &h.client.opts
	buildStart := time.Now()

	h.status.RawReqSize = len(body)
	if opts.StartCompression && len(body) > 0 {
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
		body = compressed.Bytes()
	}
	h.status.ReqSize = len(body)

	target := h.path
	if opts.ProxyHost != "" && !opts.UseSSL {
		// Plain HTTP through a proxy uses the absolute-form request
		// target.
		target = fmt.Sprintf("http://%s:%d%s", opts.DestHostName, opts.DestPort, h.path)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", opts.DestHostName)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", version.UserAgent())
	fmt.Fprintf(&b, "Content-Type: %s\r\n", opts.contentType())
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if opts.StartCompression {
		b.WriteString("Accept-Encoding: gzip\r\n")
		if len(body) > 0 {
			b.WriteString("Content-Encoding: gzip\r\n")
		}
	}
	b.WriteString("\r\n")
	b.Write(body)
	h.request = b.Bytes()
	h.status.ReqBuildTime = time.Since(buildStart)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.initialBackoff()
	bo.MaxInterval = 10 * time.Second
	h.backoff = bo
	return nil
}

// start schedules the first attempt on a worker.
func (h *httpCall) start() {
	h.worker = h.client.wm.PickWorker()
	h.startTime = time.Now()
	h.worker.RunClosure("httprpc.start", runtime.NewCallback("httprpc.start", h.doStart), runtime.PriorityMed)
}

// doStart runs on the worker: connect, set up the descriptor, arm the
// write side.
func (h *httpCall) doStart() {
	opts := &h.client.opts
	sock, err := opts.SocketFactory.NewSocket()
	if err != nil {
		logger.Warn("connect failed",
			logger.KeyHost, opts.SocketFactory.DestName(),
			logger.KeyError, err.Error())
		h.retryOrFail(FAIL, fmt.Sprintf("connect failed: %v", err))
		return
	}
	h.status.ConnectSuccess = true

	h.parser = newResponseParser()
	h.reqOffset = 0
	h.sd = h.worker.RegisterSocketDescriptor(sock, runtime.PriorityMed)
	if opts.UseSSL {
		engine := opts.TLSEngineFactory.NewEngine()
		td := transport.NewTLSDescriptor(h.sd, engine, transport.TLSOptions{
			UseProxy:     opts.ProxyHost != "",
			DestHostName: opts.DestHostName,
			DestPort:     opts.DestPort,
		})
		td.Init()
		h.desc = td
	} else {
		h.desc = h.sd
	}

	h.desc.NotifyWhenWritable(runtime.NewPermanentCallback("httprpc.doWrite", h.doWrite))
	h.desc.NotifyWhenTimedout(h.client.opts.timeout(), runtime.NewCallback("httprpc.timeout", h.doTimeout))
}

// doWrite sends the request; once fully sent, switches to reading.
func (h *httpCall) doWrite() {
	if h.done {
		return
	}
	if h.reqOffset < len(h.request) {
		n, err := h.desc.Write(h.request[h.reqOffset:])
		if err != nil {
			if h.desc.NeedRetry() {
				return
			}
			logger.Warn("request send failed", logger.KeyPath, h.path, logger.KeyError, err.Error())
			h.teardown(false, true)
			h.retryOrFail(FAIL, fmt.Sprintf("failed to send request: %v", err))
			return
		}
		h.reqOffset += n
		if h.reqOffset < len(h.request) {
			return
		}
	}
	// Request fully sent.
	h.sendDone = time.Now()
	h.status.ReqSendTime = h.sendDone.Sub(h.startTime)
	h.desc.StopWrite()
	h.desc.ClearWritable()
	h.desc.NotifyWhenReadable(runtime.NewPermanentCallback("httprpc.doRead", h.doRead))
}

// doRead accumulates the response until one of the three framing
// terminations applies.
func (h *httpCall) doRead() {
	if h.done {
		return
	}
	buf := bufpool.Get(16 * 1024)
	defer bufpool.Put(buf)
	n, err := h.desc.Read(buf)
	if err != nil {
		if h.desc.NeedRetry() {
			return
		}
		logger.Warn("response read failed", logger.KeyPath, h.path, logger.KeyError, err.Error())
		h.teardown(false, true)
		h.retryOrFail(FAIL, fmt.Sprintf("failed to read response: %v", err))
		return
	}
	eof := n == 0
	if n > 0 {
		h.parser.add(buf[:n])
	}
	complete, perr := h.parser.done(eof)
	if perr != nil {
		h.teardown(false, true)
		h.finish(FAIL, perr.Error())
		return
	}
	if !complete {
		if eof {
			// close-delimited bodies complete via done(eof); other
			// framings report an error above, so arriving here with
			// EOF means the parser wants data that will never come.
			h.teardown(false, true)
			h.finish(FAIL, "connection closed before response completed")
		}
		return
	}
	h.completeResponse()
}

// completeResponse finalizes the attempt once the body is complete.
func (h *httpCall) completeResponse() {
	h.status.WaitTime = time.Since(h.sendDone)
	code := h.parser.statusCode
	h.status.HTTPReturnCode = code
	h.status.ResponseHeaders = h.parser.headers

	body, err := h.parser.body()
	if err != nil {
		h.teardown(false, true)
		h.finish(FAIL, err.Error())
		return
	}
	h.status.RespSize = len(body)

	if strings.EqualFold(h.parser.headers["content-encoding"], "gzip") {
		zr, zerr := gzip.NewReader(bytes.NewReader(body))
		if zerr == nil {
			if decoded, derr := io.ReadAll(zr); derr == nil {
				body = decoded
			} else {
				zerr = derr
			}
		}
		if zerr != nil {
			h.teardown(false, true)
			h.finish(FAIL, fmt.Sprintf("decompress response: %v", zerr))
			return
		}
	}
	h.status.RawRespSize = len(body)

	if code/100 == 5 && h.attempt < h.client.opts.maxRetries() {
		h.teardown(false, true)
		h.scheduleRetry(fmt.Sprintf("server error %d", code))
		return
	}

	reuse := code/100 == 2
	h.teardown(reuse, !reuse)
	if h.respBody != nil {
		*h.respBody = body
	}
	h.status.RespRecvTime = time.Since(h.sendDone)
	if code/100 == 2 {
		h.finish(OK, "")
	} else {
		h.finish(FAIL, fmt.Sprintf("http error %d", code))
	}
}

// doTimeout aborts the attempt after socket inactivity.
func (h *httpCall) doTimeout() {
	if h.done {
		return
	}
	h.client.countTimeout()
	h.teardown(false, true)
	h.retryOrFail(ErrTimeout, "rpc timeout")
}

// teardown detaches the descriptor from the worker and returns the
// socket to the factory. reuse keeps the connection for keep-alive;
// TLS connections are always closed since the session dies with the
// engine.
func (h *httpCall) teardown(reuse, errFlag bool) {
	if h.sd == nil {
		return
	}
	h.desc.StopRead()
	h.desc.StopWrite()
	h.desc.ClearReadable()
	h.desc.ClearWritable()
	h.desc.ClearTimeout()
	sock := h.worker.DeleteSocketDescriptor(h.sd)
	canReuse := reuse && h.desc.CanReuse() && !h.client.opts.UseSSL
	if canReuse {
		h.client.opts.SocketFactory.ReleaseSocket(sock)
	} else {
		h.client.opts.SocketFactory.CloseSocket(sock, errFlag)
	}
	h.sd = nil
	h.desc = nil
}

// retryOrFail retries connect failures, send failures and timeouts up
// to the cap; otherwise finishes with the given error.
func (h *httpCall) retryOrFail(errCode int, msg string) {
	if h.attempt < h.client.opts.maxRetries() && !h.client.IsShuttingDown() {
		h.scheduleRetry(msg)
		return
	}
	h.finish(errCode, msg)
}

// scheduleRetry re-runs doStart after the next backoff interval.
func (h *httpCall) scheduleRetry(reason string) {
	h.attempt++
	h.status.Retry = h.attempt
	h.client.countRetry()
	delay := h.backoff.NextBackOff()
	if delay == backoff.Stop {
		h.finish(FAIL, reason)
		return
	}
	logger.Info("retrying rpc",
		logger.KeyPath, h.path,
		logger.KeyRetry, h.attempt,
		"delay", delay.String(),
		"reason", reason)
	h.worker.RunDelayedClosure("httprpc.retry", delay,
		runtime.NewCallback("httprpc.retry", h.doStart))
}

// finish completes the call exactly once, delivering the callback on
// the submitter's worker.
func (h *httpCall) finish(errCode int, msg string) {
	if h.done {
		return
	}
	h.done = true
	h.status.Err = errCode
	h.status.ErrorMessage = msg
	if errCode != OK {
		h.client.mu.Lock()
		h.client.stats.Errors++
		h.client.mu.Unlock()
	}

	if h.callbackWorker != nil {
		status := h.status
		callback := h.callback
		h.callbackWorker.RunClosure("httprpc.finish", runtime.NewCallback("httprpc.finish", func() {
			status.MarkFinished()
			if callback != nil {
				callback.Run()
			}
		}), runtime.PriorityMed)
		return
	}
	h.status.MarkFinished()
	if h.callback != nil {
		h.callback.Run()
	}
}
