package transport

import (
	"net"
	"sync"
	"time"

	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

// Transport is the process-wide messenger: a peer table plus a listener
// accepting inbound connections, grounded on the teacher's
// transport.Transport (transport/transport.go) generalized from a single
// raft group's peer set to the peering core's per-node peer set (a PG's
// acting set is a subset of these peers, addressed by pgid.PeerID).
type Transport struct {
	LocalID pgid.PeerID

	dispatcher Dispatcher

	mu    sync.RWMutex
	peers map[pgid.PeerID]*peer

	listener net.Listener
	stopc    chan struct{}
}

func New(localID pgid.PeerID, d Dispatcher) *Transport {
	return &Transport{
		LocalID:    localID,
		dispatcher: d,
		peers:      make(map[pgid.PeerID]*peer),
		stopc:      make(chan struct{}),
	}
}

// AddPeer registers a remote node's address; the connection is dialed
// lazily on first send (spec.md §6 messenger: "delivery is best-effort").
func (t *Transport) AddPeer(id pgid.PeerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	t.peers[id] = startPeer(t.LocalID, id, addr, t.dispatcher)
	logging.Info("add remote peer").Uint64("local", uint64(t.LocalID)).Uint64("remote", uint64(id)).Record()
}

func (t *Transport) RemovePeer(id pgid.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.stop()
		delete(t.peers, id)
	}
}

// Send delivers m to m.To if that peer is known; unknown peers are
// silently dropped (spec.md §6: best-effort, no duplicates required but
// tolerated — an unreachable peer is equivalent to a dropped message).
func (t *Transport) Send(m pb.Message) {
	t.mu.RLock()
	p, ok := t.peers[m.To]
	t.mu.RUnlock()
	if !ok {
		return
	}
	p.send(m)
}

func (t *Transport) ActivePeers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if !p.activeSince().IsZero() {
			n++
		}
	}
	return n
}

func (t *Transport) PeerActiveSince(id pgid.PeerID) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[id]; ok {
		return p.activeSince()
	}
	return time.Time{}
}

// Listen accepts inbound connections and attaches each to the peer table
// entry whose address matches the remote endpoint, the same
// accept-then-match-by-address loop as the teacher's
// Transport.ListenPeerAttachConn.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.stopc:
				return
			default:
				logging.Error("accept peer connection failed").Err(err).Record()
				continue
			}
		}
		go t.attach(conn)
	}
}

func (t *Transport) attach(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(remote)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		peerHost, _, _ := net.SplitHostPort(p.addr)
		if peerHost == host {
			p.attachConn(conn)
			return
		}
	}
	logging.Warn("rejecting connection from unknown peer").Str("addr", remote).Record()
	conn.Close()
}

func (t *Transport) Stop() {
	close(t.stopc)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.stop()
	}
	t.peers = nil
}
