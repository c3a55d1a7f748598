package pb

import "github.com/coldshard/pgcore/pgid"

// LogEntryKind enumerates the kinds of operation a log entry records
// (spec.md §3 "kind ∈ {update, delete, lost_mark, …}").
type LogEntryKind uint8

const (
	EntryUpdate LogEntryKind = iota
	EntryDelete
	EntryLostMark
)

func (k LogEntryKind) String() string {
	switch k {
	case EntryUpdate:
		return "update"
	case EntryDelete:
		return "delete"
	case EntryLostMark:
		return "lost_mark"
	default:
		return "unknown"
	}
}

// LogEntry is a single, immutable-once-appended entry of an IndexedLog
// (spec.md §3 "Log entry"). ReqID is empty for internal entries that are
// not indexed by request id (spec.md §4.1 reqid_is_indexed).
type LogEntry struct {
	Version      pgid.Eversion
	PriorVersion pgid.Eversion
	ReqID        pgid.ReqID
	OID          pgid.OID
	Kind         LogEntryKind
}

func (e *LogEntry) ReqIDIndexed() bool { return e.ReqID != "" }

func (e *LogEntry) Marshal() ([]byte, error) {
	w := newWriter(64)
	w.uint64(e.Version.Epoch)
	w.uint64(e.Version.Seq)
	w.uint64(e.PriorVersion.Epoch)
	w.uint64(e.PriorVersion.Seq)
	w.string(string(e.ReqID))
	w.string(string(e.OID))
	w.uint8(uint8(e.Kind))
	return w.bytesOut(), nil
}

func (e *LogEntry) Unmarshal(data []byte) error {
	r := newReader(data)
	var err error
	if e.Version.Epoch, err = r.uint64(); err != nil {
		return err
	}
	if e.Version.Seq, err = r.uint64(); err != nil {
		return err
	}
	if e.PriorVersion.Epoch, err = r.uint64(); err != nil {
		return err
	}
	if e.PriorVersion.Seq, err = r.uint64(); err != nil {
		return err
	}
	reqID, err := r.string()
	if err != nil {
		return err
	}
	e.ReqID = pgid.ReqID(reqID)
	oid, err := r.string()
	if err != nil {
		return err
	}
	e.OID = pgid.OID(oid)
	kind, err := r.uint8()
	if err != nil {
		return err
	}
	e.Kind = LogEntryKind(kind)
	return r.requireEOF()
}

func (e *LogEntry) Reset()         { *e = LogEntry{} }
func (e *LogEntry) String() string { return "LogEntry(" + string(e.OID) + ")" }
func (*LogEntry) ProtoMessage()    {}

// PGHistory is the persistent epoch-history summary carried inside PGInfoRecord
// (spec.md §3 pg_info "history").
type PGHistory struct {
	EpochCreated     uint64
	LastEpochStarted uint64
	LastEpochClean   uint64
}

// PGInfoRecord is the persistent pg_info tuple (spec.md §3).
type PGInfoRecord struct {
	PoolID       uint64
	Seed         uint32
	History      PGHistory
	LastUpdate   pgid.Eversion
	LastComplete pgid.Eversion
	LogTail      pgid.Eversion
	PurgedSnaps  []uint64
}

func (i *PGInfoRecord) Marshal() ([]byte, error) {
	w := newWriter(96)
	w.uint64(i.PoolID)
	w.uint32(i.Seed)
	w.uint64(i.History.EpochCreated)
	w.uint64(i.History.LastEpochStarted)
	w.uint64(i.History.LastEpochClean)
	w.uint64(i.LastUpdate.Epoch)
	w.uint64(i.LastUpdate.Seq)
	w.uint64(i.LastComplete.Epoch)
	w.uint64(i.LastComplete.Seq)
	w.uint64(i.LogTail.Epoch)
	w.uint64(i.LogTail.Seq)
	w.uint32(uint32(len(i.PurgedSnaps)))
	for _, s := range i.PurgedSnaps {
		w.uint64(s)
	}
	return w.bytesOut(), nil
}

func (i *PGInfoRecord) Unmarshal(data []byte) error {
	r := newReader(data)
	var err error
	if i.PoolID, err = r.uint64(); err != nil {
		return err
	}
	if i.Seed, err = r.uint32(); err != nil {
		return err
	}
	if i.History.EpochCreated, err = r.uint64(); err != nil {
		return err
	}
	if i.History.LastEpochStarted, err = r.uint64(); err != nil {
		return err
	}
	if i.History.LastEpochClean, err = r.uint64(); err != nil {
		return err
	}
	if i.LastUpdate.Epoch, err = r.uint64(); err != nil {
		return err
	}
	if i.LastUpdate.Seq, err = r.uint64(); err != nil {
		return err
	}
	if i.LastComplete.Epoch, err = r.uint64(); err != nil {
		return err
	}
	if i.LastComplete.Seq, err = r.uint64(); err != nil {
		return err
	}
	if i.LogTail.Epoch, err = r.uint64(); err != nil {
		return err
	}
	if i.LogTail.Seq, err = r.uint64(); err != nil {
		return err
	}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	i.PurgedSnaps = make([]uint64, n)
	for j := range i.PurgedSnaps {
		if i.PurgedSnaps[j], err = r.uint64(); err != nil {
			return err
		}
	}
	return r.requireEOF()
}

func (i *PGInfoRecord) Reset()         { *i = PGInfoRecord{} }
func (i *PGInfoRecord) String() string { return "PGInfoRecord" }
func (*PGInfoRecord) ProtoMessage()    {}

// PastIntervalRecord is one entry of the persisted past-intervals map
// (spec.md §3 "Past intervals").
type PastIntervalRecord struct {
	EpochStart  uint64
	EpochEnd    uint64
	UpSet       []uint64
	ActingSet   []uint64
	MaybeWentRW bool
}

func (p *PastIntervalRecord) Marshal() ([]byte, error) {
	w := newWriter(48)
	w.uint64(p.EpochStart)
	w.uint64(p.EpochEnd)
	w.uint32(uint32(len(p.UpSet)))
	for _, id := range p.UpSet {
		w.uint64(id)
	}
	w.uint32(uint32(len(p.ActingSet)))
	for _, id := range p.ActingSet {
		w.uint64(id)
	}
	w.bool(p.MaybeWentRW)
	return w.bytesOut(), nil
}

func (p *PastIntervalRecord) Unmarshal(data []byte) error {
	r := newReader(data)
	var err error
	if p.EpochStart, err = r.uint64(); err != nil {
		return err
	}
	if p.EpochEnd, err = r.uint64(); err != nil {
		return err
	}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	p.UpSet = make([]uint64, n)
	for i := range p.UpSet {
		if p.UpSet[i], err = r.uint64(); err != nil {
			return err
		}
	}
	n, err = r.uint32()
	if err != nil {
		return err
	}
	p.ActingSet = make([]uint64, n)
	for i := range p.ActingSet {
		if p.ActingSet[i], err = r.uint64(); err != nil {
			return err
		}
	}
	if p.MaybeWentRW, err = r.boolean(); err != nil {
		return err
	}
	return r.requireEOF()
}

func (p *PastIntervalRecord) Reset()         { *p = PastIntervalRecord{} }
func (p *PastIntervalRecord) String() string { return "PastIntervalRecord" }
func (*PastIntervalRecord) ProtoMessage()    {}
