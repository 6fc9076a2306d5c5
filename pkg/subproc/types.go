// Package subproc isolates all process spawning into a single helper.
// The client side lives in the main process and talks to the helper
// over a unix socketpair with tagged length-prefixed records; the
// helper enforces bounded concurrency by priority and weight class.
package subproc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Op tags a wire record.
type Op int32

const (
	// OpClosed is synthesized by the reader on peer EOF.
	OpClosed Op = -1
	OpNop    Op = 0

	// client → server
	OpRegister   Op = 1
	OpRequestRun Op = 2
	OpKill       Op = 3
	OpSetOption  Op = 4
	OpShutdown   Op = 5

	// server → client
	OpStarted    Op = 10
	OpTerminated Op = 11
)

func (o Op) String() string {
	switch o {
	case OpClosed:
		return "CLOSED"
	case OpNop:
		return "NOP"
	case OpRegister:
		return "REGISTER"
	case OpRequestRun:
		return "REQUEST_RUN"
	case OpKill:
		return "KILL"
	case OpSetOption:
		return "SET_OPTION"
	case OpShutdown:
		return "SHUTDOWN"
	case OpStarted:
		return "STARTED"
	case OpTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("Op(%d)", int32(o))
	}
}

// Priority classes for admission control.
type Priority int32

const (
	PriorityHigh Priority = iota
	PriorityLow
)

// Weight classes for admission control.
type Weight int32

const (
	WeightLight Weight = iota
	WeightHeavy
)

// State is the client-visible subprocess lifecycle.
type State int32

const (
	StateSetup State = iota
	StatePending
	StateRun
	StateSignaled
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "SETUP"
	case StatePending:
		return "PENDING"
	case StateRun:
		return "RUN"
	case StateSignaled:
		return "SIGNALED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// TerminatedError explains an abnormal termination.
type TerminatedError int32

const (
	// ErrorNone means a normal exit.
	ErrorNone TerminatedError = 0
	// ErrorNotStarted means admission control or shutdown ended the
	// process before it could be spawned.
	ErrorNotStarted TerminatedError = 1
)

// InvalidStatus marks a Terminated record whose process never
// produced an exit status.
const InvalidStatus int32 = -256

// Options configure the helper's admission control.
type Options struct {
	MaxSubprocs            int
	MaxSubprocsLowPriority int
	MaxSubprocsHeavyWeight int
	DontKillSubprocess     bool
	EnableCrashDump        bool
}

// DefaultOptions mirror the conservative defaults of the original
// controller.
func DefaultOptions() Options {
	return Options{
		MaxSubprocs:            3,
		MaxSubprocsLowPriority: 1,
		MaxSubprocsHeavyWeight: 1,
	}
}

// DebugString formats the options for logs.
func (o Options) DebugString() string {
	return fmt.Sprintf("max_subprocs=%d max_subprocs_low_priority=%d max_subprocs_heavy_weight=%d dont_kill_subprocess=%t",
		o.MaxSubprocs, o.MaxSubprocsLowPriority, o.MaxSubprocsHeavyWeight, o.DontKillSubprocess)
}

// Req registers a subprocess with the helper. The transport treats the
// serialized form as opaque bytes.
type Req struct {
	ID       int32    `cbor:"1,keyasint"`
	Name     string   `cbor:"2,keyasint"` // human-readable tag
	Prog     string   `cbor:"3,keyasint"` // program path
	Argv     []string `cbor:"4,keyasint"`
	Env      []string `cbor:"5,keyasint"`
	Cwd      string   `cbor:"6,keyasint"`
	Stdin    string   `cbor:"7,keyasint"` // file path or ""
	Stdout   string   `cbor:"8,keyasint"`
	Stderr   string   `cbor:"9,keyasint"`
	Priority Priority `cbor:"10,keyasint"`
	Weight   Weight   `cbor:"11,keyasint"`
	// Detach makes the job fire-and-forget: no Terminated record is
	// ever sent for it.
	Detach bool `cbor:"12,keyasint"`
}

// RunReq asks the helper to actually run a registered subprocess.
type RunReq struct {
	ID int32 `cbor:"1,keyasint"`
}

// KillReq asks the helper to end a subprocess.
type KillReq struct {
	ID int32 `cbor:"1,keyasint"`
}

// SetOptionReq adjusts the admission caps at runtime.
type SetOptionReq struct {
	MaxSubprocs            int32 `cbor:"1,keyasint"`
	MaxSubprocsLowPriority int32 `cbor:"2,keyasint"`
	MaxSubprocsHeavyWeight int32 `cbor:"3,keyasint"`
}

// Started reports a successful spawn.
type Started struct {
	ID  int32 `cbor:"1,keyasint"`
	Pid int32 `cbor:"2,keyasint"`
}

// Terminated reports the end of a subprocess. If the process ended
// before it could be spawned, Error is ErrorNotStarted and Status is
// InvalidStatus.
type Terminated struct {
	ID     int32           `cbor:"1,keyasint"`
	Status int32           `cbor:"2,keyasint"`
	Error  TerminatedError `cbor:"3,keyasint"`
}

func encodeMessage(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func decodeMessage(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
