package rudp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullroute-dev/rudp/eventloop"
)

// echoClientHandler / echoServerHandler drive a real loopback
// handshake and echo round trip over actual UDP sockets, exercising
// Client and Server end to end.
type echoClientHandler struct {
	connected chan struct{}
	received  chan []byte
	lost      chan struct{}
}

func newEchoClientHandler() *echoClientHandler {
	return &echoClientHandler{
		connected: make(chan struct{}, 1),
		received:  make(chan []byte, 4),
		lost:      make(chan struct{}, 1),
	}
}

func (h *echoClientHandler) HandlePacket(c *Client, appCmd byte, payload []byte) {
	cp := append([]byte{}, payload...)
	h.received <- cp
}
func (h *echoClientHandler) LinkInfo(c *Client, info LinkInfo) {}
func (h *echoClientHandler) Connected(c *Client)               { h.connected <- struct{}{} }
func (h *echoClientHandler) ServerLost(c *Client)              { h.lost <- struct{}{} }

type echoServerHandler struct {
	srv      *Server
	newPeer  chan *Peer
	received chan []byte
}

func newEchoServerHandler() *echoServerHandler {
	return &echoServerHandler{
		newPeer:  make(chan *Peer, 4),
		received: make(chan []byte, 4),
	}
}

func (h *echoServerHandler) HandlePacket(s *Server, peer *Peer, appCmd byte, payload []byte) {
	cp := append([]byte{}, payload...)
	h.received <- cp
	_ = peer.Send(true, appCmd, append([]byte{}, payload...))
}
func (h *echoServerHandler) LinkInfo(s *Server, peer *Peer, info LinkInfo) {}
func (h *echoServerHandler) PeerDropped(s *Server, peer *Peer)            {}
func (h *echoServerHandler) PeerNew(s *Server, peer *Peer)                { h.newPeer <- peer }

// TestClientServerLoopbackHandshakeEcho binds a server on loopback
// with an ephemeral port, connects a client, sends a reliable message,
// and observes the echoed reply.
func TestClientServerLoopbackHandshakeEcho(t *testing.T) {
	serverLoop := eventloop.New()
	clientLoop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverLoop.Run(ctx)
	go clientLoop.Run(ctx)

	base := NewBase()
	sh := newEchoServerHandler()
	srv := NewServer(base, serverLoop, sh)
	require.NoError(t, srv.Bind(NewAddress(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})))
	defer srv.Close()

	ch := newEchoClientHandler()
	client := NewClient(base, clientLoop, ch)
	port := uint16(srv.LocalAddr().UDPAddr().Port)
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port, IPv4Only))
	defer client.Close()

	select {
	case <-ch.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed Connected")
	}

	require.NoError(t, client.Send(true, 0, []byte("hello")))

	select {
	case got := <-sh.received:
		require.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	select {
	case got := <-ch.received:
		require.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the echo")
	}

	select {
	case <-sh.newPeer:
	default:
		t.Fatal("PeerNew was never invoked")
	}
}
