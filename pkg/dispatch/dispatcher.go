package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/config"
	"github.com/remotecc/remotecc/pkg/cpp"
	"github.com/remotecc/remotecc/pkg/execreq"
	"github.com/remotecc/remotecc/pkg/httprpc"
	"github.com/remotecc/remotecc/pkg/httprpc/multirpc"
	"github.com/remotecc/remotecc/pkg/metrics"
	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/subproc"
)

// Invocation is one intercepted compiler command.
type Invocation struct {
	Argv []string
	Cwd  string
	Env  []string
}

// Result is the outcome of one compile.
type Result struct {
	ExitStatus int32
	Stdout     []byte
	Stderr     []byte
	Outputs    []execreq.Output
	// Source tells where the result came from: "remote", "cache", or
	// "local".
	Source string
}

// Dispatcher owns the compile flow and the supporting services.
type Dispatcher struct {
	cfg     *config.Config
	wm      *runtime.Manager
	client  *httprpc.Client
	multi   *multirpc.MultiRPC
	subproc *subproc.Client

	resultCache *ResultCache
	watcher     *CompilerWatcher
	envCache    *cpp.MacroEnvCache
	info        *cpp.CompilerInfo

	pingPeriodic runtime.PeriodicClosureID
}

// NewDispatcher wires the dispatcher from its collaborators. Any of
// multi, subprocClient, resultCache may be nil to disable that leg.
func NewDispatcher(cfg *config.Config, wm *runtime.Manager, client *httprpc.Client, multi *multirpc.MultiRPC, subprocClient *subproc.Client, resultCache *ResultCache, watcher *CompilerWatcher) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		wm:           wm,
		client:       client,
		multi:        multi,
		subproc:      subprocClient,
		resultCache:  resultCache,
		watcher:      watcher,
		envCache:     cpp.NewMacroEnvCache(),
		info:         cpp.NewCompilerInfo(),
		pingPeriodic: runtime.InvalidPeriodicClosureID,
	}
}

// SetCompilerInfo installs the __has_* side table for include scans.
func (d *Dispatcher) SetCompilerInfo(info *cpp.CompilerInfo) { d.info = info }

// StartHealthProbe pings the backend periodically on the alarm
// worker.
func (d *Dispatcher) StartHealthProbe(period time.Duration) {
	if d.pingPeriodic != runtime.InvalidPeriodicClosureID {
		return
	}
	d.pingPeriodic = d.wm.RegisterPeriodicClosure("dispatch.ping", period,
		runtime.NewPermanentCallback("dispatch.ping", func() {
			status := httprpc.NewStatus()
			code := d.client.Ping(d.cfg.Dispatch.PingPath, status)
			logger.Debug("health probe",
				logger.KeyHTTPStatus, code,
				"health", d.client.HealthStatusMessage())
		}))
}

// StopHealthProbe unregisters the periodic ping.
func (d *Dispatcher) StopHealthProbe() {
	if d.pingPeriodic != runtime.InvalidPeriodicClosureID {
		d.wm.UnregisterPeriodicClosure(d.pingPeriodic)
		d.pingPeriodic = runtime.InvalidPeriodicClosureID
	}
}

// BuildRequest turns an invocation into a normalized CompileRequest
// with the full include closure.
func (d *Dispatcher) BuildRequest(inv Invocation) (*execreq.CompileRequest, error) {
	if len(inv.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	compilerPath, err := resolveCompiler(inv.Argv[0], inv.Cwd)
	if err != nil {
		return nil, err
	}
	binaryHash := ""
	if d.watcher != nil {
		binaryHash, err = d.watcher.HashOf(compilerPath)
		if err != nil {
			return nil, err
		}
	}

	req := &execreq.CompileRequest{
		Command: execreq.CommandSpec{
			Name:              filepath.Base(inv.Argv[0]),
			BinaryHash:        binaryHash,
			LocalCompilerPath: compilerPath,
		},
		Args: append([]string{}, inv.Argv...),
		Cwd:  inv.Cwd,
		Env:  append([]string{}, inv.Env...),
	}

	for _, source := range sourceFilesFromArgs(inv.Argv) {
		scanner := NewIncludeScanner(inv.Cwd, includeDirsFromArgs(inv.Argv), d.info, d.envCache)
		inputs, serr := scanner.Scan(source)
		if serr != nil {
			return nil, serr
		}
		req.Inputs = append(req.Inputs, inputs...)
	}
	if out := outputFromArgs(inv.Argv); out != "" {
		req.ExpectedOutputs = []string{out}
	}

	execreq.NewNormalizer(inv.Argv[0]).NormalizeForCacheKey(0, req)
	return req, nil
}

// Compile runs the full flow: normalize → scan → remote → fallback.
func (d *Dispatcher) Compile(ctx context.Context, inv Invocation) (*Result, error) {
	compileID := uuid.NewString()
	start := time.Now()

	req, err := d.BuildRequest(inv)
	if err != nil {
		return nil, err
	}
	key, err := req.CacheKey()
	if err != nil {
		return nil, err
	}
	log := logger.With(
		logger.KeyCompileID, compileID,
		logger.KeyCompiler, req.Command.Name,
		logger.KeyCacheKey, key[:16])

	if cached, cerr := d.resultCache.Get(key); cerr == nil && cached != nil {
		log.Info("compile served from local cache",
			logger.KeyDurationMs, logger.Duration(start))
		metrics.Compiles.WithLabelValues("cached").Inc()
		return responseToResult(cached, "cache"), nil
	}

	resp, rerr := d.callRemote(req)
	if rerr == nil && resp.ErrorText == "" {
		if resp.ExitStatus == 0 {
			if perr := d.resultCache.Put(key, resp); perr != nil {
				log.Warn("result cache store failed", logger.KeyError, perr.Error())
			}
		}
		log.Info("compile finished remotely",
			logger.KeyExitStatus, int(resp.ExitStatus),
			logger.KeyDurationMs, logger.Duration(start))
		metrics.Compiles.WithLabelValues("remote").Inc()
		return responseToResult(resp, "remote"), nil
	}

	if rerr != nil {
		log.Warn("remote compile failed", logger.KeyError, rerr.Error())
	} else {
		log.Warn("remote compile rejected", logger.KeyError, resp.ErrorText)
	}

	if !d.cfg.Dispatch.FallbackLocal || d.subproc == nil {
		metrics.Compiles.WithLabelValues("failed").Inc()
		if rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("remote compile rejected: %s", resp.ErrorText)
	}

	result, ferr := d.runLocal(ctx, inv)
	if ferr != nil {
		metrics.Compiles.WithLabelValues("failed").Inc()
		return nil, ferr
	}
	log.Info("compile finished locally (fallback)",
		logger.KeyExitStatus, int(result.ExitStatus),
		logger.KeyDurationMs, logger.Duration(start))
	metrics.Compiles.WithLabelValues("fallback").Inc()
	return result, nil
}

// callRemote ships the request through the batcher when enabled, or
// the plain client otherwise.
func (d *Dispatcher) callRemote(req *execreq.CompileRequest) (*execreq.CompileResponse, error) {
	body, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	metrics.RPCQueries.WithLabelValues(d.cfg.Dispatch.ExecPath).Inc()
	started := time.Now()

	status := httprpc.NewStatus()
	var respBody []byte
	if d.multi != nil {
		d.multi.Call(body, &respBody, status, nil, nil)
		status.Wait()
	} else {
		d.client.CallRaw(d.cfg.Dispatch.ExecPath, body, &respBody, status)
	}

	metrics.RPCLatency.WithLabelValues(d.cfg.Dispatch.ExecPath).Observe(time.Since(started).Seconds())
	if status.Retry > 0 {
		metrics.RPCRetries.Add(float64(status.Retry))
	}
	if status.Err != httprpc.OK {
		metrics.RPCErrors.WithLabelValues(d.cfg.Dispatch.ExecPath).Inc()
		return nil, fmt.Errorf("rpc failed: %s (http %d)", status.ErrorMessage, status.HTTPReturnCode)
	}

	resp := &execreq.CompileResponse{}
	if err := resp.UnmarshalBinary(respBody); err != nil {
		return nil, fmt.Errorf("decode compile response: %w", err)
	}
	return resp, nil
}

// runLocal executes the compiler through the subprocess controller
// and waits for termination.
func (d *Dispatcher) runLocal(ctx context.Context, inv Invocation) (*Result, error) {
	compilerPath, err := resolveCompiler(inv.Argv[0], inv.Cwd)
	if err != nil {
		return nil, err
	}
	req := &subproc.Req{
		Name:     "fallback " + filepath.Base(inv.Argv[0]),
		Prog:     compilerPath,
		Argv:     inv.Argv,
		Env:      inv.Env,
		Cwd:      inv.Cwd,
		Priority: subproc.PriorityHigh,
	}

	terminated := make(chan *subproc.Terminated, 1)
	id := d.subproc.Register(req, func(s *subproc.Started) {
		metrics.SubprocsStarted.Inc()
	}, func(t *subproc.Terminated) {
		terminated <- t
	})
	d.subproc.RequestRun(id)
	metrics.SubprocsPending.Set(float64(d.subproc.NumPending()))
	defer func() { metrics.SubprocsPending.Set(float64(d.subproc.NumPending())) }()

	select {
	case t := <-terminated:
		result := "ok"
		if t.Error == subproc.ErrorNotStarted {
			result = "not_started"
			metrics.SubprocsTerminated.WithLabelValues(result).Inc()
			return nil, fmt.Errorf("local compiler could not be started")
		}
		if t.Status != 0 {
			result = "error"
		}
		metrics.SubprocsTerminated.WithLabelValues(result).Inc()
		return &Result{ExitStatus: t.Status, Source: "local"}, nil
	case <-ctx.Done():
		d.subproc.Kill(id)
		return nil, ctx.Err()
	}
}

func responseToResult(resp *execreq.CompileResponse, source string) *Result {
	return &Result{
		ExitStatus: resp.ExitStatus,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		Outputs:    resp.Outputs,
		Source:     source,
	}
}

// resolveCompiler finds the compiler binary: absolute paths as given,
// relative ones against cwd, bare names through PATH.
func resolveCompiler(arg0, cwd string) (string, error) {
	if filepath.IsAbs(arg0) {
		return arg0, nil
	}
	if filepath.Dir(arg0) != "." {
		return filepath.Join(cwd, arg0), nil
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, arg0)
		if st, err := os.Stat(candidate); err == nil && st.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("compiler %q not found in PATH", arg0)
}

// HealthStatus implements api.StatusSource.
func (d *Dispatcher) HealthStatus() string {
	return d.client.HealthStatusMessage()
}

// DebugStats implements api.StatusSource.
func (d *Dispatcher) DebugStats() map[string]string {
	stats := map[string]string{
		"runtime": d.wm.DebugString(),
		"rpc":     d.client.DebugString(),
	}
	if d.multi != nil {
		stats["multi_rpc"] = d.multi.DebugString()
	}
	if d.subproc != nil {
		stats["subproc"] = d.subproc.DebugString()
	}
	if d.envCache != nil {
		hits, misses := d.envCache.Stats()
		stats["macro_env_cache"] = fmt.Sprintf("hits=%d misses=%d", hits, misses)
	}
	d.resultCache.PublishStats()
	return stats
}

// Shutdown tears the dispatcher legs down in dependency order.
func (d *Dispatcher) Shutdown() {
	d.StopHealthProbe()
	d.client.SetShuttingDown()
	if d.multi != nil {
		d.multi.Shutdown()
	}
	if d.subproc != nil {
		d.subproc.Shutdown()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.resultCache != nil {
		d.resultCache.Close()
	}
}
