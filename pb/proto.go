package pb

import "github.com/gogo/protobuf/proto"

// Every persisted/wire record satisfies gogo's proto.Message marker so it
// can flow through the same envelopes and pooled buffers a generated
// protoc-gen-gogo type would, without requiring the protoc toolchain to
// regenerate this pack's message set.
var (
	_ proto.Message = (*LogEntry)(nil)
	_ proto.Message = (*PGInfoRecord)(nil)
	_ proto.Message = (*PastIntervalRecord)(nil)
)
