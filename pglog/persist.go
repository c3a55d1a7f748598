package pglog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
	"github.com/valyala/bytebufferpool"
)

// ErrReadLog is returned when a persisted log chunk fails its checksum or
// is otherwise structurally malformed (spec.md §4.1 "Persistence", §7
// read-log-error). It is fatal for the owning PG.
type ErrReadLog struct {
	Path string
	Err  error
}

func (e *ErrReadLog) Error() string { return fmt.Sprintf("pglog: read log %s: %v", e.Path, e.Err) }
func (e *ErrReadLog) Unwrap() error { return e.Err }

// recordHeaderSize matches the teacher's db/marshal.ChunkHeaderSize framing
// (crc32 + length prefix) but folds in a struct-version byte for the
// cross-version compatibility spec.md §6 requires.
const recordHeaderSize = 4 + 4 + 1 // crc32, length, struct version

const logStructVersion byte = 1

// FileStore persists one PG's log as an append-only file of framed,
// checksummed records plus a small side file for the divergent-prior map,
// following the teacher's db/wal segment framing (db/wal/segment.go,
// db/marshal/log_entry.go) but collapsed to a single file per PG since a
// placement group's log is orders of magnitude smaller than a full WAL.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) logPath(pg pgid.PGID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.log", pg))
}

func (s *FileStore) priorsPath(pg pgid.PGID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.priors", pg))
}

// AppendRecords appends entries to the on-disk log for pg. Called once per
// worker-pool transaction (spec.md §5), after the in-memory IndexedLog has
// already accepted them.
func (s *FileStore) AppendRecords(pg pgid.PGID, entries []pb.LogEntry) error {
	f, err := os.OpenFile(s.logPath(pg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, e := range entries {
		body, _ := e.Marshal()
		buf.Reset()
		var hdr [recordHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(body))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
		hdr[8] = logStructVersion
		buf.Write(hdr[:])
		buf.Write(body)
		if _, err := f.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Load replays the persisted log for pg into a fresh IndexedLog rooted at
// tail. A checksum failure returns *ErrReadLog (fatal for the PG).
func (s *FileStore) Load(pg pgid.PGID, tail pgid.Eversion) (*IndexedLog, error) {
	l := New(tail)
	path := s.logPath(pg)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [recordHeaderSize]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &ErrReadLog{Path: path, Err: err}
		}
		wantCRC := binary.LittleEndian.Uint32(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		body := make([]byte, size)
		if _, err := io.ReadFull(f, body); err != nil {
			return nil, &ErrReadLog{Path: path, Err: err}
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			return nil, &ErrReadLog{Path: path, Err: fmt.Errorf("checksum mismatch")}
		}
		var e pb.LogEntry
		if err := e.Unmarshal(body); err != nil {
			return nil, &ErrReadLog{Path: path, Err: err}
		}
		if err := l.Append(e); err != nil {
			return nil, &ErrReadLog{Path: path, Err: err}
		}
	}
	return l, nil
}

// Compact rewrites the log file to contain only the entries currently live
// in l, dropping whatever TrimTail already removed from memory. This is
// the "periodic compaction after tail-trim" spec.md §4.1 calls for.
func (s *FileStore) Compact(pg pgid.PGID, l *IndexedLog) error {
	tmp := s.logPath(pg) + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	buf := bytebufferpool.Get()
	for _, e := range l.Entries() {
		body, _ := e.Marshal()
		var hdr [recordHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(body))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
		hdr[8] = logStructVersion
		buf.Write(hdr[:])
		buf.Write(body)
	}
	_, werr := f.Write(buf.Bytes())
	bytebufferpool.Put(buf)
	if werr != nil {
		f.Close()
		return werr
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.logPath(pg))
}

// SaveDivergentPriors rewrites the divergent-prior side map in full (spec.md
// §4.1 "rewritten on change").
func (s *FileStore) SaveDivergentPriors(pg pgid.PGID, priors map[pgid.Eversion]pgid.OID) error {
	f, err := os.OpenFile(s.priorsPath(pg), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(priors)))
	buf.Write(n[:])
	for v, oid := range priors {
		var rec [8 + 8 + 4]byte
		binary.LittleEndian.PutUint64(rec[0:8], v.Epoch)
		binary.LittleEndian.PutUint64(rec[8:16], v.Seq)
		binary.LittleEndian.PutUint32(rec[16:20], uint32(len(oid)))
		buf.Write(rec[:])
		buf.WriteString(string(oid))
	}
	_, err = f.Write(buf.Bytes())
	return err
}

// LoadDivergentPriors reads back the side map persisted by
// SaveDivergentPriors.
func (s *FileStore) LoadDivergentPriors(pg pgid.PGID) (map[pgid.Eversion]pgid.OID, error) {
	out := make(map[pgid.Eversion]pgid.OID)
	path := s.priorsPath(pg)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, &ErrReadLog{Path: path, Err: fmt.Errorf("truncated header")}
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+20 > len(data) {
			return nil, &ErrReadLog{Path: path, Err: fmt.Errorf("truncated record")}
		}
		epoch := binary.LittleEndian.Uint64(data[off : off+8])
		seq := binary.LittleEndian.Uint64(data[off+8 : off+16])
		oidLen := int(binary.LittleEndian.Uint32(data[off+16 : off+20]))
		off += 20
		if off+oidLen > len(data) {
			return nil, &ErrReadLog{Path: path, Err: fmt.Errorf("truncated oid")}
		}
		oid := pgid.OID(data[off : off+oidLen])
		off += oidLen
		out[pgid.Eversion{Epoch: epoch, Seq: seq}] = oid
	}
	return out, nil
}
