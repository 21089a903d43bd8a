package rudp

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nullroute-dev/rudp/eventloop"
)

// ClientHandler is the application's view of a Client.
// HandlePacket/LinkInfo mirror PeerHandler; Connected and ServerLost are
// the two client-specific lifecycle transitions.
type ClientHandler interface {
	HandlePacket(client *Client, appCmd byte, payload []byte)
	LinkInfo(client *Client, info LinkInfo)
	Connected(client *Client)
	ServerLost(client *Client)
}

// Client is one endpoint plus one peer that initiates a connection.
type Client struct {
	base      *Base
	loop      *eventloop.Loop
	handler   ClientHandler
	endpoint  *Endpoint
	peer      *Peer
	connected bool
}

// NewClient constructs a client bound to no endpoint yet; call Connect
// to resolve the server address, bind, and send CONN_REQ.
func NewClient(base *Base, loop *eventloop.Loop, handler ClientHandler) *Client {
	return &Client{base: base, loop: loop, handler: handler}
}

// Connect resolves host:port, builds the peer, binds the endpoint to an
// any-address of the same family, and sends CONN_REQ. Calling Connect
// again after ServerLost is the supported reconnection path.
func (c *Client) Connect(ctx context.Context, host string, port uint16, mode IPMode) error {
	var addr Address
	if err := addr.SetHostname(ctx, host, port, mode); err != nil {
		return err
	}
	c.endpoint = NewEndpoint(c.base, c.loop, c.onDatagram)
	if err := c.endpoint.Bind(anyAddressLike(addr)); err != nil {
		return err
	}
	c.peer = NewPeerFromSockaddr(c.base, c.loop, (*clientPeerHandler)(c), c.endpoint, addr)
	return c.peer.SendConnect()
}

func (c *Client) onDatagram(buf []byte, addr Address) {
	if c.peer == nil || c.peer.RemoteAddr().Compare(addr) != 0 {
		return
	}
	wasConnected := c.connected
	err := c.peer.IncomingPacket(buf)
	if err == nil && !wasConnected && c.peer.State() == StateRun {
		c.connected = true
		c.handler.Connected(c)
	}
}

// Send segments and enqueues an application message on the server
// peer.
func (c *Client) Send(reliable bool, appCmd byte, payload []byte) error {
	if !c.connected {
		return errors.WithStack(ErrInvalidArgument)
	}
	return c.peer.Send(reliable, appCmd, payload)
}

// Close sends a best-effort CLOSE, tears the peer down, and closes the
// endpoint. A locally initiated close never fires ServerLost.
func (c *Client) Close() error {
	if c.peer == nil {
		return nil
	}
	_ = c.peer.SendCloseNoQueue()
	c.peer.deinit()
	c.connected = false
	return c.endpoint.Close()
}

// Connected reports whether the connect handshake has completed.
func (c *Client) Connected() bool { return c.connected }

// clientPeerHandler adapts a *Client to PeerHandler, and is also where
// the peer's Dropped callback is translated into the client-level
// ServerLost transition: clear connected, close the endpoint, notify.
type clientPeerHandler Client

func (c *clientPeerHandler) HandlePacket(peer *Peer, appCmd byte, payload []byte) {
	(*Client)(c).handler.HandlePacket((*Client)(c), appCmd, payload)
}

func (c *clientPeerHandler) LinkInfo(peer *Peer, info LinkInfo) {
	(*Client)(c).handler.LinkInfo((*Client)(c), info)
}

func (c *clientPeerHandler) Dropped(peer *Peer) {
	client := (*Client)(c)
	client.connected = false
	_ = client.endpoint.Close()
	client.handler.ServerLost(client)
}
