package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

const (
	// outputBufferSize is the number of elements the output channel uses.
	outputBufferSize = 50

	// negotiateTimeout is the duration of inactivity before we time out a
	// peer that hasn't completed the initial version negotiation.
	negotiateTimeout = 30 * time.Second
)

// nodeCount is the total number of peer connections made since startup and is
// used to assign an id to a peer.
var nodeCount int32

// ErrPeerDisconnected is delivered to pending send callbacks and armed
// subscribers when the connection is gone.
var ErrPeerDisconnected = errors.New("peer disconnected")

// Config is the configuration for a peer session.
type Config struct {
	// NetParams identifies the network the peer is on.
	NetParams *chaincfg.Params

	// UserAgentName and UserAgentVersion identify this client to the peer
	// during version negotiation.
	UserAgentName    string
	UserAgentVersion string
}

// outMsg is used to house a message to be sent along with a callback to call
// once the message has been sent (or won't be sent due to disconnect).
type outMsg struct {
	msg  wire.Message
	done func(error)
}

// Peer is one connected remote node. It performs the initial version
// negotiation, dispatches inbound inventory and block messages to one-shot
// subscribers, and sends outbound messages asynchronously through a queue.
//
// Subscriptions deliver exactly one event per registration; a caller that
// wants a continuous stream must re-register after every event. Events that
// arrive while no subscriber is armed are buffered and handed to the next
// registration in arrival order. Once the connection fails, each stream
// delivers a single final error event.
type Peer struct {
	id   int32
	cfg  Config
	conn net.Conn
	addr string

	// pver is the negotiated protocol version. It is written once during
	// version negotiation, before the message handlers start.
	pver uint32

	started    int32
	disconnect int32

	sendQueue chan outMsg
	quit      chan struct{}
	wg        sync.WaitGroup

	subMtx            sync.Mutex
	invHandler        func(*wire.MsgInv, error)
	blockHandler      func(*wire.MsgBlock, error)
	pendingInvs       []*wire.MsgInv
	pendingBlocks     []*wire.MsgBlock
	streamErr         error
	invErrDelivered   bool
	blockErrDelivered bool
}

// NewOutbound returns a peer session for an established outgoing connection.
// Connect must be called to negotiate the protocol version and start the
// message handlers.
func NewOutbound(conn net.Conn, cfg *Config) *Peer {
	return &Peer{
		id:        atomic.AddInt32(&nodeCount, 1),
		cfg:       *cfg,
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		pver:      wire.ProtocolVersion,
		sendQueue: make(chan outMsg, outputBufferSize),
		quit:      make(chan struct{}),
	}
}

// ID returns the peer id. Ids are assigned from a process-wide counter and
// are never reused, so they are a stable identity for a connection.
func (p *Peer) ID() int32 {
	return p.id
}

// Addr returns the peer address.
func (p *Peer) Addr() string {
	return p.addr
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s (peer %d)", p.addr, p.id)
}

// Connect performs the version negotiation handshake and, on success, starts
// the message handlers.
func (p *Peer) Connect() error {
	if atomic.AddInt32(&p.started, 1) != 1 {
		return errors.New("peer already started")
	}

	err := p.negotiateProtocol()
	if err != nil {
		p.Disconnect()
		return err
	}
	log.Debugf("Connected to %s (protocol version %d)", p, p.pver)

	p.wg.Add(2)
	spawn(p.inHandler)
	spawn(p.outHandler)
	return nil
}

// negotiateProtocol exchanges version and verack messages with the remote
// peer and records the lower of the two protocol versions.
func (p *Peer) negotiateProtocol() error {
	err := p.conn.SetDeadline(time.Now().Add(negotiateTimeout))
	if err != nil {
		return errors.Wrap(err, "failed to set handshake deadline")
	}

	err = p.writeLocalVersionMsg()
	if err != nil {
		return err
	}

	gotVersion, gotVerAck := false, false
	for !gotVersion || !gotVerAck {
		msg, _, err := wire.ReadMessage(p.conn, p.pver, p.cfg.NetParams.Net)
		if err != nil {
			return errors.Wrapf(err, "version negotiation with %s failed", p.addr)
		}

		switch msg := msg.(type) {
		case *wire.MsgVersion:
			if gotVersion {
				return errors.Errorf("peer %s sent a duplicate version message", p.addr)
			}
			gotVersion = true
			if uint32(msg.ProtocolVersion) < p.pver {
				p.pver = uint32(msg.ProtocolVersion)
			}
			err = wire.WriteMessage(p.conn, wire.NewMsgVerAck(), p.pver, p.cfg.NetParams.Net)
			if err != nil {
				return errors.Wrapf(err, "failed to send verack to %s", p.addr)
			}

		case *wire.MsgVerAck:
			gotVerAck = true

		default:
			return errors.Errorf("peer %s sent %s before version negotiation "+
				"completed", p.addr, msg.Command())
		}
	}

	return errors.Wrap(p.conn.SetDeadline(time.Time{}), "failed to clear handshake deadline")
}

// writeLocalVersionMsg builds and sends this node's version message.
func (p *Peer) writeLocalVersionMsg() error {
	nonce, err := wire.RandomUint64()
	if err != nil {
		return err
	}

	localAddr := newNetAddress(p.conn.LocalAddr())
	remoteAddr := newNetAddress(p.conn.RemoteAddr())
	msg := wire.NewMsgVersion(localAddr, remoteAddr, nonce, 0)
	err = msg.AddUserAgent(p.cfg.UserAgentName, p.cfg.UserAgentVersion)
	if err != nil {
		return err
	}

	return wire.WriteMessage(p.conn, msg, p.pver, p.cfg.NetParams.Net)
}

// newNetAddress converts a net.Addr into a wire.NetAddress, falling back to
// an unroutable zero address for connection types that don't carry a TCP
// address (proxied connections, pipes in tests).
func newNetAddress(addr net.Addr) *wire.NetAddress {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return wire.NewNetAddress(tcpAddr, 0)
	}
	return wire.NewNetAddressIPPort(net.IP{}, 0, 0)
}

// SubscribeInventory registers a handler for the next inventory announcement
// from this peer. The registration is one-shot: exactly one event (a message
// or an error) is delivered, after which the caller must subscribe again to
// keep receiving announcements.
func (p *Peer) SubscribeInventory(handler func(*wire.MsgInv, error)) {
	p.subMtx.Lock()
	if len(p.pendingInvs) > 0 {
		msg := p.pendingInvs[0]
		p.pendingInvs = p.pendingInvs[1:]
		p.subMtx.Unlock()
		spawn(func() { handler(msg, nil) })
		return
	}
	if p.streamErr != nil && !p.invErrDelivered {
		p.invErrDelivered = true
		streamErr := p.streamErr
		p.subMtx.Unlock()
		spawn(func() { handler(nil, streamErr) })
		return
	}
	p.invHandler = handler
	p.subMtx.Unlock()
}

// SubscribeBlock registers a one-shot handler for the next block delivered by
// this peer. See SubscribeInventory for the registration semantics.
func (p *Peer) SubscribeBlock(handler func(*wire.MsgBlock, error)) {
	p.subMtx.Lock()
	if len(p.pendingBlocks) > 0 {
		msg := p.pendingBlocks[0]
		p.pendingBlocks = p.pendingBlocks[1:]
		p.subMtx.Unlock()
		spawn(func() { handler(msg, nil) })
		return
	}
	if p.streamErr != nil && !p.blockErrDelivered {
		p.blockErrDelivered = true
		streamErr := p.streamErr
		p.subMtx.Unlock()
		spawn(func() { handler(nil, streamErr) })
		return
	}
	p.blockHandler = handler
	p.subMtx.Unlock()
}

// Send queues the message for transmission. done, if non-nil, is invoked with
// the result of the write once the message has been sent, or with
// ErrPeerDisconnected if the connection goes away first.
func (p *Peer) Send(msg wire.Message, done func(error)) {
	if atomic.LoadInt32(&p.disconnect) != 0 {
		if done != nil {
			done(ErrPeerDisconnected)
		}
		return
	}

	select {
	case p.sendQueue <- outMsg{msg: msg, done: done}:
	case <-p.quit:
		if done != nil {
			done(ErrPeerDisconnected)
		}
	}
}

// inHandler reads inbound messages until the connection fails, dispatching
// inventory and block messages to subscribers and answering pings.
func (p *Peer) inHandler() {
	defer p.wg.Done()

	for {
		msg, _, err := wire.ReadMessage(p.conn, p.pver, p.cfg.NetParams.Net)
		if err != nil {
			// A framed but malformed message is surfaced to armed
			// subscribers without tearing the session down; the
			// stream keeps delivering afterwards.
			if msgErr, ok := err.(*wire.MessageError); ok &&
				atomic.LoadInt32(&p.disconnect) == 0 {
				log.Debugf("Malformed message from %s: %v", p, msgErr)
				p.deliverMalformed(err)
				continue
			}

			if atomic.LoadInt32(&p.disconnect) == 0 {
				log.Errorf("Can't read message from %s: %v", p, err)
			} else {
				err = ErrPeerDisconnected
			}
			p.terminateStreams(err)
			p.Disconnect()
			return
		}

		switch msg := msg.(type) {
		case *wire.MsgInv:
			p.deliverInv(msg)
		case *wire.MsgBlock:
			p.deliverBlock(msg)
		case *wire.MsgPing:
			p.handlePing(msg)
		default:
			log.Tracef("Ignoring %s message from %s", msg.Command(), p)
		}
	}
}

func (p *Peer) deliverInv(msg *wire.MsgInv) {
	p.subMtx.Lock()
	handler := p.invHandler
	p.invHandler = nil
	if handler == nil {
		p.pendingInvs = append(p.pendingInvs, msg)
	}
	p.subMtx.Unlock()

	if handler != nil {
		handler(msg, nil)
	}
}

func (p *Peer) deliverBlock(msg *wire.MsgBlock) {
	p.subMtx.Lock()
	handler := p.blockHandler
	p.blockHandler = nil
	if handler == nil {
		p.pendingBlocks = append(p.pendingBlocks, msg)
	}
	p.subMtx.Unlock()

	if handler != nil {
		handler(msg, nil)
	}
}

// deliverMalformed hands a non-fatal read error to whichever subscribers are
// armed. Subscribers that aren't armed never observe it.
func (p *Peer) deliverMalformed(err error) {
	p.subMtx.Lock()
	invHandler := p.invHandler
	blockHandler := p.blockHandler
	p.invHandler = nil
	p.blockHandler = nil
	p.subMtx.Unlock()

	if invHandler != nil {
		invHandler(nil, err)
	}
	if blockHandler != nil {
		blockHandler(nil, err)
	}
}

// terminateStreams records the terminal stream error and delivers it to both
// streams. Each stream delivers the error exactly once, whether a subscriber
// is currently armed or arrives later.
func (p *Peer) terminateStreams(err error) {
	p.subMtx.Lock()
	if p.streamErr == nil {
		p.streamErr = err
	}
	var invHandler func(*wire.MsgInv, error)
	var blockHandler func(*wire.MsgBlock, error)
	if p.invHandler != nil && !p.invErrDelivered {
		p.invErrDelivered = true
		invHandler = p.invHandler
		p.invHandler = nil
	}
	if p.blockHandler != nil && !p.blockErrDelivered {
		p.blockErrDelivered = true
		blockHandler = p.blockHandler
		p.blockHandler = nil
	}
	streamErr := p.streamErr
	p.subMtx.Unlock()

	if invHandler != nil {
		invHandler(nil, streamErr)
	}
	if blockHandler != nil {
		blockHandler(nil, streamErr)
	}
}

func (p *Peer) handlePing(msg *wire.MsgPing) {
	// Only reply with pong if the message is from a new enough protocol
	// version.
	if p.pver > wire.BIP0031Version {
		p.Send(wire.NewMsgPong(msg.Nonce), nil)
	}
}

// outHandler writes queued messages to the connection until the peer quits,
// then notifies the callbacks of any messages still queued.
func (p *Peer) outHandler() {
	defer p.wg.Done()

out:
	for {
		select {
		case out := <-p.sendQueue:
			err := wire.WriteMessage(p.conn, out.msg, p.pver, p.cfg.NetParams.Net)
			if out.done != nil {
				out.done(err)
			}
			if err != nil && atomic.LoadInt32(&p.disconnect) == 0 {
				log.Errorf("Failed to send %s to %s: %v", out.msg.Command(), p, err)
				p.Disconnect()
			}

		case <-p.quit:
			break out
		}
	}

	// Drain the queue so callers blocked on Send get notified.
	for {
		select {
		case out := <-p.sendQueue:
			if out.done != nil {
				out.done(ErrPeerDisconnected)
			}
		default:
			return
		}
	}
}

// Disconnect closes the connection. It is safe to call multiple times; only
// the first call has an effect.
func (p *Peer) Disconnect() {
	if atomic.AddInt32(&p.disconnect, 1) != 1 {
		return
	}

	log.Tracef("Disconnecting %s", p)
	close(p.quit)
	p.conn.Close()
}

// WaitForDisconnect blocks until the message handlers have exited. It returns
// immediately when Connect was never called.
func (p *Peer) WaitForDisconnect() {
	p.wg.Wait()
}
