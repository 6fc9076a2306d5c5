// Package execreq defines the canonical CompileRequest and the
// per-dialect normalizers that turn a compile invocation into a
// deterministic cache key: two developers issuing semantically
// identical builds must produce byte-identical normalized requests.
package execreq

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalEncMode serializes with RFC 8949 core deterministic
// encoding, so equal requests always produce equal bytes. The
// stability of this serialization is the cache-key invariant.
var canonicalEncMode cbor.EncMode

func init() {
	var err error
	canonicalEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("execreq: cbor enc mode: %v", err))
	}
}

// CommandSpec names the compiler the request was built for.
type CommandSpec struct {
	Name                  string   `cbor:"1,keyasint"`
	Version               string   `cbor:"2,keyasint"`
	Target                string   `cbor:"3,keyasint"`
	BinaryHash            string   `cbor:"4,keyasint"`
	LocalCompilerPath     string   `cbor:"5,keyasint"`
	SystemIncludePaths    []string `cbor:"6,keyasint"`
	CxxSystemIncludePaths []string `cbor:"7,keyasint"`
}

// Input is one file shipped with the request. HashKey identifies the
// content; Content itself is optional on the wire and never part of
// the cache key.
type Input struct {
	Filename string `cbor:"1,keyasint"`
	HashKey  string `cbor:"2,keyasint"`
	Content  []byte `cbor:"3,keyasint,omitempty"`
}

// Subprogram is an auxiliary tool (linker plugin, objcopy) whose
// content hash contributes to the cache key but whose path does not.
type Subprogram struct {
	Path       string `cbor:"1,keyasint"`
	BinaryHash string `cbor:"2,keyasint"`
}

// CompileRequest is the canonical description of one compilation.
type CompileRequest struct {
	Command         CommandSpec  `cbor:"1,keyasint"`
	Args            []string     `cbor:"2,keyasint"`
	Cwd             string       `cbor:"3,keyasint"`
	Env             []string     `cbor:"4,keyasint"`
	Inputs          []Input      `cbor:"5,keyasint"`
	Subprograms     []Subprogram `cbor:"6,keyasint"`
	ExpectedOutputs []string     `cbor:"7,keyasint"`
	RequesterInfo   string       `cbor:"8,keyasint"`
}

// MarshalBinary implements the RPC message contract with the
// deterministic encoding.
func (r *CompileRequest) MarshalBinary() ([]byte, error) {
	// plain has the fields without the methods, so cbor encodes the
	// struct instead of calling MarshalBinary again.
	type plain CompileRequest
	return canonicalEncMode.Marshal((*plain)(r))
}

// UnmarshalBinary implements the RPC message contract.
func (r *CompileRequest) UnmarshalBinary(data []byte) error {
	type plain CompileRequest
	return cbor.Unmarshal(data, (*plain)(r))
}

// CacheKey hashes the canonical serialization. Call only on a
// normalized request.
func (r *CompileRequest) CacheKey() (string, error) {
	data, err := r.MarshalBinary()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CompileResponse is the remote server's answer.
type CompileResponse struct {
	ExitStatus int32    `cbor:"1,keyasint"`
	Stdout     []byte   `cbor:"2,keyasint,omitempty"`
	Stderr     []byte   `cbor:"3,keyasint,omitempty"`
	Outputs    []Output `cbor:"4,keyasint,omitempty"`
	CacheHit   bool     `cbor:"5,keyasint,omitempty"`
	ErrorText  string   `cbor:"6,keyasint,omitempty"`
}

// Output is one produced file.
type Output struct {
	Filename string `cbor:"1,keyasint"`
	Content  []byte `cbor:"2,keyasint"`
}

// MarshalBinary implements the RPC message contract.
func (r *CompileResponse) MarshalBinary() ([]byte, error) {
	type plain CompileResponse
	return canonicalEncMode.Marshal((*plain)(r))
}

// UnmarshalBinary implements the RPC message contract.
func (r *CompileResponse) UnmarshalBinary(data []byte) error {
	type plain CompileResponse
	return cbor.Unmarshal(data, (*plain)(r))
}
