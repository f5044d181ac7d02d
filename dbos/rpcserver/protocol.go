// Package rpcserver exposes dbos/store.Store over a length-prefixed
// msgpack frame protocol, so a coordinator can run against a DBOS process
// over the network instead of embedding the store in-process (spec §4.3).
package rpcserver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize guards against a corrupt or hostile length prefix
// allocating an unbounded buffer.
const maxFrameSize = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned when a peer's length prefix exceeds
// maxFrameSize.
var ErrFrameTooLarge = errors.New("rpcserver: frame exceeds maximum size")

// Envelope is the wire shape for every request and response. Method and
// RequestID are always set; Params carries the msgpack-encoded argument
// struct for the method, and Result/ErrMsg/ErrKind carry the reply.
type Envelope struct {
	RequestID string          `msgpack:"request_id"`
	Method    string          `msgpack:"method"`
	Params    msgpack.RawMessage `msgpack:"params,omitempty"`
	Result    msgpack.RawMessage `msgpack:"result,omitempty"`
	ErrKind   string          `msgpack:"err_kind,omitempty"`
	ErrMsg    string          `msgpack:"err_msg,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// msgpack-encoded envelope.
func writeFrame(w io.Writer, env *Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpcserver: encode envelope: %w", err)
	}
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readFrame reads one length-prefixed msgpack envelope from r.
func readFrame(r *bufio.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("rpcserver: decode envelope: %w", err)
	}
	return &env, nil
}

// encodeParams marshals v into a Params field.
func encodeParams(v interface{}) (msgpack.RawMessage, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: encode params: %w", err)
	}
	return msgpack.RawMessage(data), nil
}

// decodeInto unmarshals a RawMessage into v.
func decodeInto(raw msgpack.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return msgpack.Unmarshal(raw, v)
}
