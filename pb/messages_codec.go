package pb

import "github.com/coldshard/pgcore/pgid"

// Marshal/Unmarshal for the messenger envelope and its payloads, in the
// same hand-rolled gogo-protobuf-shaped style as LogEntry/PGInfoRecord
// (pb/types.go), so transport can frame these exactly like every other
// persisted or wire record (pb/codec.go).

func (p *QueryPayload) Marshal() ([]byte, error) {
	w := writer{}
	w.uint8(uint8(p.What))
	w.uint64(p.Since.Epoch)
	w.uint64(p.Since.Seq)
	return w.bytesOut(), nil
}

func (p *QueryPayload) Unmarshal(data []byte) error {
	r := reader{buf: data}
	what, err := r.uint8()
	if err != nil {
		return err
	}
	epoch, err := r.uint64()
	if err != nil {
		return err
	}
	seq, err := r.uint64()
	if err != nil {
		return err
	}
	p.What = QueryKind(what)
	p.Since = pgid.Eversion{Epoch: epoch, Seq: seq}
	return r.requireEOF()
}

func (p *NotifyPayload) Marshal() ([]byte, error) {
	w := writer{}
	body, err := p.Info.Marshal()
	if err != nil {
		return nil, err
	}
	w.bytes(body)
	w.uint64(p.History.EpochCreated)
	w.uint64(p.History.LastEpochStarted)
	w.uint64(p.History.LastEpochClean)
	return w.bytesOut(), nil
}

func (p *NotifyPayload) Unmarshal(data []byte) error {
	r := reader{buf: data}
	body, err := r.bytes()
	if err != nil {
		return err
	}
	if err := p.Info.Unmarshal(body); err != nil {
		return err
	}
	created, err := r.uint64()
	if err != nil {
		return err
	}
	started, err := r.uint64()
	if err != nil {
		return err
	}
	clean, err := r.uint64()
	if err != nil {
		return err
	}
	p.History = PGHistory{EpochCreated: created, LastEpochStarted: started, LastEpochClean: clean}
	return r.requireEOF()
}

func (p *LogPayload) Marshal() ([]byte, error) {
	w := writer{}
	body, err := p.Info.Marshal()
	if err != nil {
		return nil, err
	}
	w.bytes(body)
	w.uint32(uint32(len(p.Entries)))
	for i := range p.Entries {
		eb, err := p.Entries[i].Marshal()
		if err != nil {
			return nil, err
		}
		w.bytes(eb)
	}
	return w.bytesOut(), nil
}

func (p *LogPayload) Unmarshal(data []byte) error {
	r := reader{buf: data}
	body, err := r.bytes()
	if err != nil {
		return err
	}
	if err := p.Info.Unmarshal(body); err != nil {
		return err
	}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	p.Entries = make([]LogEntry, n)
	for i := uint32(0); i < n; i++ {
		eb, err := r.bytes()
		if err != nil {
			return err
		}
		if err := p.Entries[i].Unmarshal(eb); err != nil {
			return err
		}
	}
	return r.requireEOF()
}

func (p *ReservePayload) Marshal() ([]byte, error) {
	w := writer{}
	w.uint64(uint64(p.Priority))
	w.uint64(p.GrantEpoch)
	return w.bytesOut(), nil
}

func (p *ReservePayload) Unmarshal(data []byte) error {
	r := reader{buf: data}
	prio, err := r.uint64()
	if err != nil {
		return err
	}
	epoch, err := r.uint64()
	if err != nil {
		return err
	}
	p.Priority = int(prio)
	p.GrantEpoch = epoch
	return r.requireEOF()
}

func (p *ScanPayload) Marshal() ([]byte, error) {
	w := writer{}
	w.string(string(p.Begin))
	w.string(string(p.End))
	return w.bytesOut(), nil
}

func (p *ScanPayload) Unmarshal(data []byte) error {
	r := reader{buf: data}
	begin, err := r.string()
	if err != nil {
		return err
	}
	end, err := r.string()
	if err != nil {
		return err
	}
	p.Begin = pgid.OID(begin)
	p.End = pgid.OID(end)
	return r.requireEOF()
}

func (p *BackfillPayload) Marshal() ([]byte, error) {
	w := writer{}
	w.string(string(p.Begin))
	w.string(string(p.End))
	w.bool(p.ExtendsToEnd)
	w.uint32(uint32(len(p.Objects)))
	for oid, v := range p.Objects {
		w.string(string(oid))
		w.uint64(v.Epoch)
		w.uint64(v.Seq)
	}
	w.uint32(uint32(len(p.Remove)))
	for _, oid := range p.Remove {
		w.string(string(oid))
	}
	w.bool(p.Reply)
	return w.bytesOut(), nil
}

func (p *BackfillPayload) Unmarshal(data []byte) error {
	r := reader{buf: data}
	begin, err := r.string()
	if err != nil {
		return err
	}
	end, err := r.string()
	if err != nil {
		return err
	}
	extends, err := r.boolean()
	if err != nil {
		return err
	}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	objs := make(map[pgid.OID]pgid.Eversion, n)
	for i := uint32(0); i < n; i++ {
		oid, err := r.string()
		if err != nil {
			return err
		}
		epoch, err := r.uint64()
		if err != nil {
			return err
		}
		seq, err := r.uint64()
		if err != nil {
			return err
		}
		objs[pgid.OID(oid)] = pgid.Eversion{Epoch: epoch, Seq: seq}
	}
	rn, err := r.uint32()
	if err != nil {
		return err
	}
	remove := make([]pgid.OID, rn)
	for i := uint32(0); i < rn; i++ {
		oid, err := r.string()
		if err != nil {
			return err
		}
		remove[i] = pgid.OID(oid)
	}
	reply, err := r.boolean()
	if err != nil {
		return err
	}
	p.Begin = pgid.OID(begin)
	p.End = pgid.OID(end)
	p.ExtendsToEnd = extends
	p.Objects = objs
	p.Remove = remove
	p.Reply = reply
	return r.requireEOF()
}

// Marshal encodes the full envelope by tagging which payload is present.
func (m *Message) Marshal() ([]byte, error) {
	w := writer{}
	w.uint8(uint8(m.Kind))
	w.uint64(uint64(m.From))
	w.uint64(uint64(m.To))
	w.uint64(m.PG.Pool)
	w.uint32(m.PG.Seed)
	w.uint64(m.Epoch)

	writeOpt := func(present bool, body []byte) {
		w.bool(present)
		if present {
			w.bytes(body)
		}
	}

	var (
		qb, nb, ib, lb, rb, sb, bb []byte
		err                        error
	)
	if m.Query != nil {
		if qb, err = m.Query.Marshal(); err != nil {
			return nil, err
		}
	}
	if m.Notify != nil {
		if nb, err = m.Notify.Marshal(); err != nil {
			return nil, err
		}
	}
	if m.Info != nil {
		if ib, err = m.Info.Marshal(); err != nil {
			return nil, err
		}
	}
	if m.Log != nil {
		if lb, err = m.Log.Marshal(); err != nil {
			return nil, err
		}
	}
	if m.Reserve != nil {
		if rb, err = m.Reserve.Marshal(); err != nil {
			return nil, err
		}
	}
	if m.Scan != nil {
		if sb, err = m.Scan.Marshal(); err != nil {
			return nil, err
		}
	}
	if m.Backfill != nil {
		if bb, err = m.Backfill.Marshal(); err != nil {
			return nil, err
		}
	}

	writeOpt(m.Query != nil, qb)
	writeOpt(m.Notify != nil, nb)
	writeOpt(m.Info != nil, ib)
	writeOpt(m.Log != nil, lb)
	writeOpt(m.Reserve != nil, rb)
	writeOpt(m.Scan != nil, sb)
	writeOpt(m.Backfill != nil, bb)

	return w.bytesOut(), nil
}

func (m *Message) Unmarshal(data []byte) error {
	r := reader{buf: data}
	kind, err := r.uint8()
	if err != nil {
		return err
	}
	from, err := r.uint64()
	if err != nil {
		return err
	}
	to, err := r.uint64()
	if err != nil {
		return err
	}
	pool, err := r.uint64()
	if err != nil {
		return err
	}
	seed, err := r.uint32()
	if err != nil {
		return err
	}
	epoch, err := r.uint64()
	if err != nil {
		return err
	}

	readOpt := func() ([]byte, bool, error) {
		present, err := r.boolean()
		if err != nil || !present {
			return nil, present, err
		}
		b, err := r.bytes()
		return b, true, err
	}

	m.Kind = MessageKind(kind)
	m.From = pgid.PeerID(from)
	m.To = pgid.PeerID(to)
	m.PG = pgid.PGID{Pool: pool, Seed: seed}
	m.Epoch = epoch

	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Query = &QueryPayload{}
		if err := m.Query.Unmarshal(b); err != nil {
			return err
		}
	}
	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Notify = &NotifyPayload{}
		if err := m.Notify.Unmarshal(b); err != nil {
			return err
		}
	}
	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Info = &PGInfoRecord{}
		if err := m.Info.Unmarshal(b); err != nil {
			return err
		}
	}
	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Log = &LogPayload{}
		if err := m.Log.Unmarshal(b); err != nil {
			return err
		}
	}
	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Reserve = &ReservePayload{}
		if err := m.Reserve.Unmarshal(b); err != nil {
			return err
		}
	}
	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Scan = &ScanPayload{}
		if err := m.Scan.Unmarshal(b); err != nil {
			return err
		}
	}
	if b, ok, err := readOpt(); err != nil {
		return err
	} else if ok {
		m.Backfill = &BackfillPayload{}
		if err := m.Backfill.Unmarshal(b); err != nil {
			return err
		}
	}
	return r.requireEOF()
}
