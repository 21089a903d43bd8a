package rudp

import (
	"sync"

	"github.com/nullroute-dev/rudp/eventloop"
)

// ServerHandler is the application's view of a Server.
type ServerHandler interface {
	HandlePacket(server *Server, peer *Peer, appCmd byte, payload []byte)
	LinkInfo(server *Server, peer *Peer, info LinkInfo)
	PeerDropped(server *Server, peer *Peer)
	PeerNew(server *Server, peer *Peer)
}

// Server owns one endpoint and a set of peers keyed by remote
// address.
type Server struct {
	base     *Base
	loop     *eventloop.Loop
	handler  ServerHandler
	endpoint *Endpoint

	mu       sync.Mutex
	peers    map[string]*Peer
	peerData map[*Peer]any
}

// NewServer constructs an unbound server.
func NewServer(base *Base, loop *eventloop.Loop, handler ServerHandler) *Server {
	s := &Server{
		base:     base,
		loop:     loop,
		handler:  handler,
		peers:    make(map[string]*Peer),
		peerData: make(map[*Peer]any),
	}
	s.endpoint = NewEndpoint(base, loop, s.onDatagram)
	return s
}

// Bind binds the server's endpoint.
func (s *Server) Bind(addr Address) error {
	return s.endpoint.Bind(addr)
}

// LocalAddr returns the server's bound local address, useful for
// discovering the ephemeral port assigned after binding to port 0.
func (s *Server) LocalAddr() Address { return s.endpoint.LocalAddr() }

// connReqPacketSize is the exact datagram length a CONN_REQ must have
// for the server to accept it as a new connection attempt. CONN_REQ
// carries no payload of its own.
const connReqPacketSize = HeaderSize

func (s *Server) onDatagram(buf []byte, addr Address) {
	key := addressKey(addr.UDPAddr())

	s.mu.Lock()
	peer, ok := s.peers[key]
	s.mu.Unlock()

	if ok {
		_ = peer.IncomingPacket(buf)
		return
	}

	h, err := decodeHeader(buf)
	if err != nil || len(buf) != connReqPacketSize || h.command != CmdConnReq {
		s.base.logger().Debugw("garbage data dropped", "addr", addr.String())
		return
	}

	peer = NewPeerFromSockaddr(s.base, s.loop, (*serverPeerHandler)(s), s.endpoint, addr)
	s.mu.Lock()
	s.peers[key] = peer
	s.mu.Unlock()

	if err := peer.IncomingPacket(buf); err != nil {
		s.forgetPeer(peer)
		return
	}
	if peer.State() != StateDead {
		s.handler.PeerNew(s, peer)
	}
}

func (s *Server) forgetPeer(peer *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addressKey(peer.RemoteAddr().UDPAddr())
	delete(s.peers, key)
	delete(s.peerData, peer)
}

// SendAll broadcasts an application message to every peer. The peer
// list is snapshotted first so a peer dropped mid-broadcast (by a
// Dropped callback triggered from within this loop) can't corrupt the
// iteration.
func (s *Server) SendAll(reliable bool, appCmd byte, payload []byte) {
	s.mu.Lock()
	snapshot := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	for _, p := range snapshot {
		if p.State() == StateDead {
			continue
		}
		_ = p.Send(reliable, appCmd, payload)
	}
}

// PeerData returns the opaque per-peer user slot.
func (s *Server) PeerData(peer *Peer) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerData[peer]
}

// SetPeerData sets the opaque per-peer user slot.
func (s *Server) SetPeerData(peer *Peer, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerData[peer] = data
}

// DropPeer forcibly evicts one peer without waiting for CLOSE or
// timeout. The eviction is silent: no CLOSE is sent and PeerDropped
// does not fire, leaving the remote end to time out on its own.
func (s *Server) DropPeer(peer *Peer) {
	s.forgetPeer(peer)
	peer.deinit()
}

// Close evicts every peer and closes the endpoint.
func (s *Server) Close() error {
	s.mu.Lock()
	snapshot := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()
	for _, p := range snapshot {
		s.DropPeer(p)
	}
	return s.endpoint.Close()
}

// serverPeerHandler adapts a *Server to PeerHandler, translating
// Dropped into PeerDropped plus removal from the peer set. The handler
// may free whatever it attached to the peer, so the set entry is
// forgotten after the upcall, not before.
type serverPeerHandler Server

func (s *serverPeerHandler) HandlePacket(peer *Peer, appCmd byte, payload []byte) {
	(*Server)(s).handler.HandlePacket((*Server)(s), peer, appCmd, payload)
}

func (s *serverPeerHandler) LinkInfo(peer *Peer, info LinkInfo) {
	(*Server)(s).handler.LinkInfo((*Server)(s), peer, info)
}

func (s *serverPeerHandler) Dropped(peer *Peer) {
	server := (*Server)(s)
	server.handler.PeerDropped(server, peer)
	server.forgetPeer(peer)
}
