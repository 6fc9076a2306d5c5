package subproc

import (
	"encoding/binary"
	"fmt"
)

// Record framing: op(int32 LE) length(int32 LE) payload(length bytes).
// A record with length 0 is legal for ops with empty payloads. The
// transport neither inspects nor transforms payloads.
const messageHeaderLen = 8

// appendRecord appends one framed record to pending. Returns the new
// buffer and whether pending was empty before (i.e. the write side
// needs arming).
func appendRecord(pending []byte, op Op, payload []byte) ([]byte, bool) {
	wasEmpty := len(pending) == 0
	var hdr [messageHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(op))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	pending = append(pending, hdr[:]...)
	pending = append(pending, payload...)
	return pending, wasEmpty
}

// recordReader incrementally decodes framed records from a byte
// stream.
type recordReader struct {
	buf []byte
}

func (r *recordReader) add(data []byte) {
	r.buf = append(r.buf, data...)
}

// next returns the next complete record, or ok=false when more bytes
// are needed.
func (r *recordReader) next() (op Op, payload []byte, ok bool, err error) {
	if len(r.buf) < messageHeaderLen {
		return 0, nil, false, nil
	}
	op = Op(int32(binary.LittleEndian.Uint32(r.buf[0:4])))
	length := int(int32(binary.LittleEndian.Uint32(r.buf[4:8])))
	if length < 0 {
		return 0, nil, false, fmt.Errorf("subproc: negative record length %d", length)
	}
	if len(r.buf) < messageHeaderLen+length {
		return 0, nil, false, nil
	}
	payload = append([]byte{}, r.buf[messageHeaderLen:messageHeaderLen+length]...)
	r.buf = r.buf[messageHeaderLen+length:]
	return op, payload, true, nil
}
