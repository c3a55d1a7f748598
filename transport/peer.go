package transport

import (
	"net"
	"sync"
	"time"

	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

// Dispatcher receives messages decoded off the wire. The service layer
// implements this to feed peering.Machine.Dispatch under the right PG's
// lock (spec.md §6 "Exposed to service layer").
type Dispatcher interface {
	Deliver(m pb.Message)
}

// peer owns the outbound connection to one remote node, reconnecting on
// failure and serializing writes through a bounded channel — the same
// send-buffer-plus-writer-goroutine shape as the teacher's
// transport/stream_writer.go, collapsed from separate stream reader/writer
// halves into one full-duplex connection since the PG protocol is much
// lower volume than raft log replication.
type peer struct {
	localID  pgid.PeerID
	remoteID pgid.PeerID
	addr     string

	dispatcher Dispatcher

	sendC chan pb.Message
	stopc chan struct{}

	mu         sync.RWMutex
	conn       net.Conn
	activeFrom time.Time
}

const sendBufSize = 4096

func startPeer(localID, remoteID pgid.PeerID, addr string, d Dispatcher) *peer {
	p := &peer{
		localID:    localID,
		remoteID:   remoteID,
		addr:       addr,
		dispatcher: d,
		sendC:      make(chan pb.Message, sendBufSize),
		stopc:      make(chan struct{}),
	}
	go p.runWriter()
	return p
}

func (p *peer) send(m pb.Message) {
	select {
	case p.sendC <- m:
	default:
		logging.Warn("peer send buffer full, dropping message").
			Uint64("to", uint64(p.remoteID)).Record()
	}
}

func (p *peer) attachConn(c net.Conn) {
	p.mu.Lock()
	p.conn = c
	p.activeFrom = timeNow()
	p.mu.Unlock()
	go p.runReader(c)
}

func (p *peer) runWriter() {
	for {
		select {
		case <-p.stopc:
			return
		case m := <-p.sendC:
			conn := p.dial()
			if conn == nil {
				continue
			}
			body, err := encodeMessage(&m)
			if err != nil {
				logging.Error("encode peer message failed").Err(err).Record()
				continue
			}
			if _, err := conn.Write(body); err != nil {
				logging.Warn("write to peer failed, will redial").
					Uint64("to", uint64(p.remoteID)).Err(err).Record()
				p.mu.Lock()
				if p.conn == conn {
					p.conn = nil
				}
				p.mu.Unlock()
			}
		}
	}
}

func (p *peer) dial() net.Conn {
	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()
	if c != nil {
		return c
	}
	conn, err := net.DialTimeout("tcp", p.addr, 2*time.Second)
	if err != nil {
		logging.Warn("dial peer failed").Uint64("to", uint64(p.remoteID)).Err(err).Record()
		return nil
	}
	p.mu.Lock()
	p.conn = conn
	p.activeFrom = timeNow()
	p.mu.Unlock()
	go p.runReader(conn)
	return conn
}

func (p *peer) runReader(conn net.Conn) {
	for {
		m, err := decodeMessage(conn)
		if err != nil {
			p.mu.Lock()
			if p.conn == conn {
				p.conn = nil
			}
			p.mu.Unlock()
			return
		}
		p.dispatcher.Deliver(m)
	}
}

func (p *peer) activeSince() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeFrom
}

func (p *peer) stop() {
	close(p.stopc)
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
}

// timeNow is a thin indirection so tests can avoid depending on wall-clock
// ordering when asserting on activeSince.
var timeNow = time.Now
