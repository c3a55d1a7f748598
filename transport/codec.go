// Package transport is the messenger of spec.md §6: best-effort,
// order-preserving-per-(source,destination) delivery of typed pb.Message
// values between storage nodes. Adapted from the teacher's transport
// package (transport.go, peer.go, msg_codec.go, stream_writer.go): the
// same per-peer connection-and-goroutine shape, generalized from carrying
// raft messages to carrying the PG peering protocol's pb.Message envelope.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coldshard/pgcore/pb"
)

// headerLength matches the teacher's msg_codec.go Package framing: a
// single-byte package id (unused here, kept for on-wire compatibility
// with the teacher's frame shape) plus a 4-byte length prefix.
const headerLength = 5

const packageID uint8 = 1

func packToBinary(payload []byte) []byte {
	buf := make([]byte, headerLength+len(payload))
	buf[0] = packageID
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

func readPackage(r io.Reader) ([]byte, error) {
	var hdr [headerLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != packageID {
		return nil, fmt.Errorf("transport: unknown package id %d", hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// encodeMessage frames a pb.Message the way the teacher's
// messageEncoderAndWriter.getPackageBin does: marshal, then wrap in the
// length-prefixed package.
func encodeMessage(m *pb.Message) ([]byte, error) {
	body, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	return packToBinary(body), nil
}

func decodeMessage(r io.Reader) (pb.Message, error) {
	body, err := readPackage(r)
	if err != nil {
		return pb.Message{}, err
	}
	var m pb.Message
	return m, m.Unmarshal(body)
}
