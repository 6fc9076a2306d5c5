package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so the
// dispatcher's logs can be aggregated and queried by field.
const (
	// Request correlation
	KeyTraceID       = "trace_id"        // per-RPC trace ID
	KeyMasterTraceID = "master_trace_id" // parent trace for batched RPCs
	KeyCompileID     = "compile_id"      // one compile invocation

	// Runtime
	KeyWorker   = "worker"   // worker name, e.g. worker_2, alarm_worker
	KeyPool     = "pool"     // worker pool tag
	KeyPriority = "priority" // closure / descriptor priority
	KeyLocation = "location" // closure call-site
	KeyFd       = "fd"       // file descriptor number

	// Transport / RPC
	KeyHost       = "host"        // destination host
	KeyPort       = "port"        // destination port
	KeyPath       = "path"        // RPC path
	KeyHTTPStatus = "http_status" // HTTP return code
	KeyRetry      = "retry"       // retry count
	KeyReqSize    = "req_size"    // serialized request bytes
	KeyRespSize   = "resp_size"   // serialized response bytes

	// Subprocess
	KeySubprocID   = "subproc_id"   // client-chosen subprocess id
	KeySubprocPid  = "subproc_pid"  // OS process id
	KeyExitStatus  = "exit_status"  // subprocess exit status
	KeyWeightClass = "weight_class" // light / heavy

	// Compile
	KeyCompiler = "compiler" // compiler basename
	KeyFamily   = "family"   // compiler family tag
	KeyInput    = "input"    // primary input filename
	KeyCacheKey = "cache_key" // normalized request hash

	// Operation metadata
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyCount      = "count"       // generic count
)
