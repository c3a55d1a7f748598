// Package pb holds the wire and persisted record types shared by the log,
// the messenger and the on-disk PG records (spec.md §3, §6). Encoding
// follows the teacher's db/marshal framing (github.com/ColdToo/Cold2DB/db/
// marshal/log_entry.go): a small fixed header of primitive fields written
// with encoding/binary, the same shape protoc-gen-gogo output takes, without
// requiring the protoc toolchain to regenerate it. The persisted record
// types LogEntry, PGInfoRecord and PastIntervalRecord implement the
// gogo-protobuf proto.Message marker (proto.go); Message and its payload
// types do not.
package pb

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrShortBuffer is returned by Unmarshal when the input is truncated.
var ErrShortBuffer = errors.New("pb: short buffer")

type writer struct {
	buf []byte
}

func newWriter(sizeHint int) *writer { return &writer{buf: make([]byte, 0, sizeHint)} }

func (w *writer) uint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) uint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
	} else {
		w.uint8(0)
	}
}

func (w *writer) bytes(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) { w.bytes([]byte(s)) }

func (w *writer) bytesOut() []byte { return w.buf }

type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) uint64() (uint64, error) {
	if len(r.buf)-r.off < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if len(r.buf)-r.off < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint8() (uint8, error) {
	if len(r.buf)-r.off < 1 {
		return 0, ErrShortBuffer
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) boolean() (bool, error) {
	v, err := r.uint8()
	return v != 0, err
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)-r.off) < n {
		return nil, ErrShortBuffer
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) done() bool { return r.off >= len(r.buf) }

func (r *reader) requireEOF() error {
	if !r.done() {
		return io.ErrUnexpectedEOF
	}
	return nil
}
