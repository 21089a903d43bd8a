package rudp

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/nullroute-dev/rudp/eventloop"
)

// PeerState is one of the four states a peer moves through over its
// lifetime.
type PeerState int

const (
	StateNew PeerState = iota
	StateConnecting
	StateRun
	StateDead
)

func (s PeerState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateRun:
		return "RUN"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// LinkInfo is reported to PeerHandler.LinkInfo once per reliable packet
// the remote end has acknowledged.
type LinkInfo struct {
	Acked uint16
}

// PeerHandler is the set of callbacks a peer drives as it processes
// traffic; Client and Server each provide an implementation.
type PeerHandler interface {
	// HandlePacket delivers one fully reassembled application message.
	HandlePacket(peer *Peer, appCmd byte, payload []byte)
	// LinkInfo reports acknowledgement of one previously sent reliable
	// packet.
	LinkInfo(peer *Peer, info LinkInfo)
	// Dropped is invoked exactly once, when the peer is declared dead.
	// The peer must not be touched afterwards except through Close.
	Dropped(peer *Peer)
}

type packetClass int

const (
	classUnsequenced packetClass = iota
	classSequenced
	classRetransmitted
)

// segmentBuffer accumulates a multi-fragment reliable application
// message until the last fragment arrives.
type segmentBuffer struct {
	buf     []byte
	length  int
	command Command
}

// timer is the minimal event-loop timer handle a Peer needs; satisfied
// by *eventloop.Timer. Kept as an interface so peer.go has no import
// cycle with the eventloop package and so tests can substitute a fake.
type timer interface {
	Arm(d time.Duration)
	Cancel()
}

// sender is the minimal endpoint contract a Peer needs to transmit.
type sender interface {
	Send(addr Address, buf []byte) error
}

// Peer is the core state machine: send queue, sequence counters, RTO
// estimator, timers, reassembly buffer, and connection state. It is
// driven by one event-loop goroutine at a time; nothing here is safe
// for concurrent use from multiple goroutines.
type Peer struct {
	base     *Base
	handler  PeerHandler
	endpoint sender
	remote   Address

	now func() time.Time

	state PeerState

	inSeqReliable   uint16
	inSeqUnreliable uint16

	outSeqReliable   uint16
	outSeqUnreliable uint16
	outSeqAcked      uint16

	sendq   *list.List
	mustAck bool

	segments *segmentBuffer

	srtt, rttvar int64 // ms, -1 until first sample
	rto          time.Duration

	timeouts Timeouts

	absTimeoutDeadline time.Time
	lastOutTime        time.Time
	sendtoErr          error

	pingRetransmitted bool

	timer timer
}

// newPeer is construction shared by NewPeer and NewPeerFromSockaddr.
func newPeer(base *Base, handler PeerHandler, endpoint sender, mkTimer func(*Peer) timer) *Peer {
	p := &Peer{
		base:     base,
		handler:  handler,
		endpoint: endpoint,
		now:      time.Now,
		timeouts: base.timeouts,
	}
	p.reset()
	p.timer = mkTimer(p)
	p.scheduleTimer()
	return p
}

// NewPeer constructs a peer in state NEW with no remote address yet
// bound to it. The loop owns the returned peer's service timer.
func NewPeer(base *Base, loop *eventloop.Loop, handler PeerHandler, endpoint *Endpoint) *Peer {
	return newPeer(base, handler, endpoint, func(p *Peer) timer {
		return loop.NewTimer(p.onTimerFire, nil)
	})
}

// NewPeerFromSockaddr constructs a peer bound to a known remote
// address.
func NewPeerFromSockaddr(base *Base, loop *eventloop.Loop, handler PeerHandler, endpoint *Endpoint, addr Address) *Peer {
	p := NewPeer(base, loop, handler, endpoint)
	p.remote = addr
	return p
}

func (p *Peer) reset() {
	p.state = StateNew
	p.inSeqReliable = 0xFFFF
	p.inSeqUnreliable = 0
	p.outSeqReliable = randomUint16()
	p.outSeqUnreliable = 0
	p.outSeqAcked = p.outSeqReliable - 1
	p.sendq = list.New()
	p.mustAck = false
	p.segments = nil
	p.srtt, p.rttvar = -1, -1
	p.rto = p.timeouts.MinRTO
	now := p.nowOrDefault()
	p.lastOutTime = now
	p.absTimeoutDeadline = now.Add(p.timeouts.Drop)
	p.sendtoErr = nil
	p.pingRetransmitted = false
}

func (p *Peer) nowOrDefault() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any
		// supported platform; fall back to a fixed seed rather than
		// panic.
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// State reports the peer's current lifecycle state.
func (p *Peer) State() PeerState { return p.state }

// RemoteAddr reports the peer's remote address, if any.
func (p *Peer) RemoteAddr() Address { return p.remote }

// SetMaxRTO overrides this peer's retransmission timeout ceiling.
func (p *Peer) SetMaxRTO(d time.Duration) { p.timeouts.MaxRTO = d }

// SetDropTimeout overrides this peer's drop timeout.
func (p *Peer) SetDropTimeout(d time.Duration) { p.timeouts.Drop = d }

// SetActionTimeout overrides this peer's idle-keepalive timeout.
func (p *Peer) SetActionTimeout(d time.Duration) { p.timeouts.Action = d }

// SendConnect enqueues a reliable CONN_REQ and moves to CONNECTING.
func (p *Peer) SendConnect() error {
	p.enqueueReliable(CmdConnReq, nil, 0, 1)
	p.state = StateConnecting
	p.scheduleTimer()
	return p.sendtoErr
}

// Send segments payload and enqueues every fragment. appCmd must not
// overflow the command byte, and payload must be non-empty. A dead peer
// returns ErrPeerDead. Any send error latched since the last call is
// returned.
func (p *Peer) Send(reliable bool, appCmd byte, payload []byte) error {
	if p.state == StateDead {
		return errors.WithStack(ErrPeerDead)
	}
	if int(CmdApp)+int(appCmd) > 255 {
		return errors.WithStack(ErrInvalidArgument)
	}
	if len(payload) == 0 {
		return errors.WithStack(ErrInvalidArgument)
	}
	cmd := Command(int(CmdApp) + int(appCmd))
	n := (len(payload) + usefulPayloadSize - 1) / usefulPayloadSize
	for i := 0; i < n; i++ {
		start := i * usefulPayloadSize
		end := start + usefulPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		frag := payload[start:end]
		if reliable {
			p.enqueueReliable(cmd, frag, uint16(i), uint16(n))
		} else {
			p.enqueueUnreliable(cmd, frag, uint16(i), uint16(n))
		}
	}
	p.scheduleTimer()
	return p.sendtoErr
}

// SendCloseNoQueue synchronously transmits one CLOSE datagram
// bypassing the send queue, best-effort, with no retransmission. The
// unreliable seq is advanced exactly as a queued send would, so the
// remote sees normal framing.
func (p *Peer) SendCloseNoQueue() error {
	p.outSeqUnreliable++
	h := header{
		version:    ProtocolVersion,
		command:    CmdClose,
		reliable:   p.outSeqReliable,
		unreliable: p.outSeqUnreliable,
	}
	buf := make([]byte, HeaderSize)
	h.encode(buf)
	return p.sendRaw(buf)
}

func (p *Peer) enqueueReliable(cmd Command, payload []byte, segIndex, segsSize uint16) *packetChain {
	pc := newPacketChain(p.base.alloc, len(payload))
	copy(pc.payload(), payload)
	p.outSeqUnreliable = 0
	p.outSeqReliable++
	pc.setHeader(header{
		version:      ProtocolVersion,
		command:      cmd,
		opt:          OptReliable,
		reliable:     p.outSeqReliable,
		segmentIndex: segIndex,
		segmentsSize: segsSize,
	})
	p.sendq.PushBack(pc)
	return pc
}

func (p *Peer) enqueueUnreliable(cmd Command, payload []byte, segIndex, segsSize uint16) *packetChain {
	pc := newPacketChain(p.base.alloc, len(payload))
	copy(pc.payload(), payload)
	p.outSeqUnreliable++
	pc.setHeader(header{
		version:      ProtocolVersion,
		command:      cmd,
		reliable:     p.outSeqReliable,
		unreliable:   p.outSeqUnreliable,
		segmentIndex: segIndex,
		segmentsSize: segsSize,
	})
	p.sendq.PushBack(pc)
	return pc
}

func (p *Peer) sendRaw(buf []byte) error {
	err := p.endpoint.Send(p.remote, buf)
	// The latched error always reflects the most recent send, so a
	// success clears a prior failure.
	p.sendtoErr = err
	if !isEINVAL(err) {
		p.lastOutTime = p.nowOrDefault()
	}
	return err
}

// IncomingPacket drives the state machine on receipt of one datagram.
func (p *Peer) IncomingPacket(buf []byte) error {
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	payload := buf[HeaderSize:]

	if h.opt.has(OptAck) {
		if err := p.handleAck(h.reliableAck); err != nil {
			return err
		}
	}

	class := p.classify(h)

	switch {
	case class == classUnsequenced && p.state == StateNew && h.command == CmdConnReq:
		p.inSeqReliable = h.reliable
		p.state = StateRun
		accepted := make([]byte, 4)
		binary.BigEndian.PutUint32(accepted, 1)
		p.enqueueUnreliable(CmdConnRsp, accepted, 0, 1)

	case class == classUnsequenced && p.state == StateConnecting && h.command == CmdConnRsp:
		p.inSeqReliable = h.reliable
		// The embedded ack is applied best-effort, even when the ACK
		// flag was absent; a broken ack field must not wedge the
		// connect.
		_ = p.handleAck(h.reliableAck)
		p.state = StateRun

	case class == classUnsequenced:
		p.base.logger().Debugw("unsequenced packet dropped", "peer", p.remote.String(), "command", h.command.String())
		return nil

	case class == classRetransmitted:
		p.absTimeoutDeadline = p.nowOrDefault().Add(p.timeouts.Drop)

	case class == classSequenced:
		p.absTimeoutDeadline = p.nowOrDefault().Add(p.timeouts.Drop)
		p.dispatchSequenced(h, payload)
		if p.state == StateDead {
			return nil
		}
	}

	if h.opt.has(OptReliable) {
		p.mustAck = true
		if p.sendq.Len() == 0 {
			p.enqueueUnreliable(CmdNOOP, nil, 0, 1)
		}
	}

	p.scheduleTimer()
	return nil
}

func (p *Peer) classify(h header) packetClass {
	if h.opt.has(OptReliable) {
		delta := signed16Delta(h.reliable, p.inSeqReliable)
		switch {
		case delta == 0:
			return classRetransmitted
		case delta == 1:
			p.inSeqReliable = h.reliable
			p.inSeqUnreliable = 0
			return classSequenced
		default:
			return classUnsequenced
		}
	}
	if h.reliable != p.inSeqReliable {
		return classUnsequenced
	}
	delta := signed16Delta(h.unreliable, p.inSeqUnreliable)
	if delta <= 0 {
		return classUnsequenced
	}
	p.inSeqUnreliable = h.unreliable
	return classSequenced
}

func (p *Peer) dispatchSequenced(h header, payload []byte) {
	switch h.command {
	case CmdClose:
		p.drop()
	case CmdPing:
		if p.state == StateRun {
			// No RTT stats can come from a retransmitted packet, so a
			// retransmitted PING gets no PONG. The generic path still
			// posts the ACK.
			if h.opt.has(OptRetransmitted) {
				return
			}
			echo := append([]byte{}, payload...)
			p.enqueueUnreliable(CmdPong, echo, 0, 1)
		}
	case CmdPong:
		if p.state == StateRun {
			p.handlePong(payload)
		}
	case CmdNOOP, CmdConnReq, CmdConnRsp:
		// sequencing/acking only; payload carries nothing meaningful.
	default:
		if h.command >= CmdApp && p.state == StateRun {
			p.handleSegment(h, payload)
		}
	}
}

func (p *Peer) handlePong(payload []byte) {
	defer func() { p.pingRetransmitted = false }()
	if len(payload) < 8 {
		return
	}
	if p.pingRetransmitted {
		return
	}
	sentAtMs := int64(binary.BigEndian.Uint64(payload[:8]))
	sampleMs := p.nowOrDefault().UnixMilli() - sentAtMs
	if sampleMs < 0 {
		return
	}
	p.updateRTT(time.Duration(sampleMs) * time.Millisecond)
}

// handleSegment reassembles a segmented reliable application message.
// Fragment order is guaranteed by the reliable frame invariant: an
// intervening unreliable cannot advance inSeqReliable, so the next
// sequenced reliable is necessarily the next fragment.
func (p *Peer) handleSegment(h header, payload []byte) {
	appCmd := byte(h.command - CmdApp)
	if h.segmentsSize <= 1 {
		p.handler.HandlePacket(p, appCmd, payload)
		return
	}
	if h.segmentIndex == 0 {
		p.segments = &segmentBuffer{
			buf:     make([]byte, int(h.segmentsSize)*RecvBufferSize),
			command: h.command,
		}
	}
	if p.segments == nil {
		return
	}
	n := copy(p.segments.buf[p.segments.length:], payload)
	p.segments.length += n
	if h.segmentIndex+1 == h.segmentsSize {
		p.handler.HandlePacket(p, byte(p.segments.command-CmdApp), p.segments.buf[:p.segments.length])
		p.segments = nil
	}
}

// handleAck processes a remote cumulative ack of our reliable stream:
// stale acks are ignored, acks of never-sent sequences are broken, and
// a valid ack sweeps transmitted entries off the queue head.
func (p *Peer) handleAck(ack uint16) error {
	ackDelta := signed16Delta(ack, p.outSeqAcked)
	advDelta := signed16Delta(ack, p.outSeqReliable)
	if ackDelta < 0 {
		return nil
	}
	if advDelta > 0 {
		return errors.WithStack(ErrInvalidArgument)
	}
	p.outSeqAcked = ack
	e := p.sendq.Front()
	for e != nil {
		pc := e.Value.(*packetChain)
		h := pc.header()
		if !h.opt.has(OptReliable) || !h.opt.has(OptRetransmitted) {
			break
		}
		if signed16Delta(h.reliable, ack) > 0 {
			break
		}
		next := e.Next()
		p.handler.LinkInfo(p, LinkInfo{Acked: h.reliable})
		p.sendq.Remove(e)
		e = next
	}
	return nil
}

// updateRTT applies the RFC 6298 estimator.
func (p *Peer) updateRTT(sample time.Duration) {
	sampleMs := int64(sample / time.Millisecond)
	if p.srtt < 0 {
		p.srtt = sampleMs
		p.rttvar = sampleMs / 2
	} else {
		diff := p.srtt - sampleMs
		if diff < 0 {
			diff = -diff
		}
		p.rttvar = (3*p.rttvar + diff) / 4
		p.srtt = (7*p.srtt + sampleMs) / 8
	}
	granularityMs := int64(clockGranularity / time.Millisecond)
	bound := 4 * p.rttvar
	if granularityMs > bound {
		bound = granularityMs
	}
	rto := time.Duration(p.srtt+bound) * time.Millisecond
	p.rto = clampDuration(rto, p.timeouts.MinRTO, p.timeouts.MaxRTO)
}

// rtoBackoff sets rto to max(rto*2, MaxRTO). The clamp is upward:
// once rto*2 exceeds MaxRTO it stays doubled, and while it is below,
// backoff pins it straight to the ceiling rather than merely
// doubling. RFC 6298 calls for plain doubling; this bias is kept as an
// implementation choice.
func (p *Peer) rtoBackoff() {
	doubled := p.rto * 2
	if doubled > p.timeouts.MaxRTO {
		p.rto = doubled
	} else {
		p.rto = p.timeouts.MaxRTO
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// scheduleTimer computes the next service delta and re-arms the timer,
// cancelling any prior pending fire first.
func (p *Peer) scheduleTimer() {
	now := p.nowOrDefault()
	var delta time.Duration

	if front := p.sendq.Front(); front != nil {
		h := front.Value.(*packetChain).header()
		if h.opt.has(OptReliable) && h.opt.has(OptRetransmitted) {
			delta = p.lastOutTime.Add(p.rto).Sub(now)
		} else {
			delta = 0
		}
	} else {
		delta = p.timeouts.Action
	}

	if delta < 0 {
		delta = 0
	}
	if max := p.absTimeoutDeadline.Sub(now); delta > max {
		delta = max
		if delta < 0 {
			delta = 0
		}
	}
	p.timer.Arm(delta)
}

// onTimerFire is the event-loop callback for the peer's service
// timer: drop-deadline check, idle keepalive, then the queue flush.
func (p *Peer) onTimerFire(arg any) {
	if p.state == StateDead {
		return
	}
	now := p.nowOrDefault()
	if now.After(p.absTimeoutDeadline) {
		p.drop()
		return
	}
	if p.sendq.Len() == 0 && now.Sub(p.lastOutTime) > p.timeouts.Action {
		p.sendPing(now)
	}
	p.flushQueue()
	if p.state != StateDead {
		p.scheduleTimer()
	}
}

func (p *Peer) sendPing(now time.Time) {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(now.UnixMilli()))
	p.enqueueReliable(CmdPing, payload[:], 0, 1)
}

// flushQueue walks the queue head-first: every flushed packet carries
// the pending ack, unreliables are sent once and removed, the first
// reliable retransmission applies backoff and stops the tick.
func (p *Peer) flushQueue() {
	e := p.sendq.Front()
	for e != nil {
		pc := e.Value.(*packetChain)
		h := pc.header()
		if p.mustAck {
			h.opt |= OptAck
			h.reliableAck = p.inSeqReliable
		} else {
			h.reliableAck = 0
		}
		pc.setHeader(h)
		p.sendRaw(pc.buf)

		switch {
		case h.opt.has(OptReliable) && h.opt.has(OptRetransmitted):
			if h.command == CmdPing {
				p.pingRetransmitted = true
			}
			p.rtoBackoff()
			e = nil // stop the flush, keep this entry at head
		case h.opt.has(OptReliable):
			h.opt |= OptRetransmitted
			pc.setHeader(h)
			e = e.Next()
		default:
			next := e.Next()
			p.sendq.Remove(e)
			e = next
		}
	}
	p.mustAck = false
}

// deinit tears the peer down without the Dropped upcall. A locally
// initiated close is not a drop, so ServerLost/PeerDropped must not
// fire for it.
func (p *Peer) deinit() {
	p.state = StateDead
	p.timer.Cancel()
	p.sendq.Init()
	p.segments = nil
}

// drop declares the peer dead: drains the send queue, cancels the
// timer, frees the reassembly buffer, and notifies the handler exactly
// once.
func (p *Peer) drop() {
	if p.state == StateDead {
		return
	}
	p.state = StateDead
	p.timer.Cancel()
	p.sendq.Init()
	p.segments = nil
	p.handler.Dropped(p)
}
