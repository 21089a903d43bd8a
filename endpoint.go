package rudp

import (
	"net"

	"github.com/pkg/errors"
	"github.com/nullroute-dev/rudp/eventloop"
)

// PacketHandler is invoked once per received datagram. buf is only
// valid for the duration of the call.
type PacketHandler func(buf []byte, addr Address)

// Endpoint owns a bound UDP socket and a readiness watcher.
type Endpoint struct {
	base    *Base
	loop    *eventloop.Loop
	conn    *net.UDPConn
	watch   *eventloop.IOWatch
	handler PacketHandler
	addr    Address
}

// NewEndpoint constructs an unbound endpoint. handler is called from the
// event loop goroutine for every datagram Bind's watcher observes.
func NewEndpoint(base *Base, loop *eventloop.Loop, handler PacketHandler) *Endpoint {
	return &Endpoint{base: base, loop: loop, handler: handler}
}

// Bind creates a socket of the family of the configured address
// (defaulting to IPv6 when none), binds if an address is set, and
// registers a persistent read-readiness callback with the event loop.
func (e *Endpoint) Bind(addr Address) error {
	network := "udp6"
	var laddr *net.UDPAddr
	if addr.IsSet() {
		laddr = addr.UDPAddr()
		if laddr.IP != nil && laddr.IP.To4() != nil {
			network = "udp4"
		}
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return wrapSocketError("bind", err)
	}
	e.conn = conn
	e.addr = NewAddress(conn.LocalAddr().(*net.UDPAddr))
	e.watch = e.loop.NewIOWatch(conn, RecvBufferSize, e.onReadable, nil)
	e.watch.Add()
	e.base.logger().Debugw("endpoint bound", "addr", e.addr.String())
	return nil
}

func (e *Endpoint) onReadable(arg any, buf []byte, addr net.Addr, err error) {
	if err != nil {
		e.base.logger().Warnw("endpoint read error", "err", err)
		return
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}
	if len(buf) > RecvBufferSize {
		e.base.logger().Debugw("oversized datagram dropped", "len", len(buf))
		return
	}
	e.handler(buf, NewAddress(udpAddr))
}

// Send is a UDP sendto; partial writes are not possible for datagrams.
func (e *Endpoint) Send(addr Address, buf []byte) error {
	if e.conn == nil {
		return errors.WithStack(ErrInvalidArgument)
	}
	target := addr.UDPAddr()
	if target == nil {
		return errors.WithStack(ErrAddressRequired)
	}
	_, err := e.conn.WriteToUDP(buf, target)
	if err != nil {
		return wrapSocketError("send", err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() Address { return e.addr }

// Close cancels the watcher and closes the descriptor.
func (e *Endpoint) Close() error {
	if e.watch != nil {
		e.watch.Free()
	}
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}
