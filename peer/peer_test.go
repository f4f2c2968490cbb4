package peer

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
)

type invEvent struct {
	msg *wire.MsgInv
	err error
}

type blockEvent struct {
	msg *wire.MsgBlock
	err error
}

// remoteHandshake plays the remote side of the version negotiation on conn.
func remoteHandshake(conn net.Conn, params *chaincfg.Params) error {
	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, params.Net)
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVersion); !ok {
		return errors.Errorf("expected version message, got %s", msg.Command())
	}

	localAddr := wire.NewNetAddressIPPort(net.IP{}, 0, 0)
	remoteAddr := wire.NewNetAddressIPPort(net.IP{}, 0, 0)
	err = wire.WriteMessage(conn, wire.NewMsgVersion(localAddr, remoteAddr, 1, 0),
		wire.ProtocolVersion, params.Net)
	if err != nil {
		return err
	}

	msg, _, err = wire.ReadMessage(conn, wire.ProtocolVersion, params.Net)
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return errors.Errorf("expected verack message, got %s", msg.Command())
	}

	return wire.WriteMessage(conn, wire.NewMsgVerAck(), wire.ProtocolVersion, params.Net)
}

// setupTestPeer returns a connected peer session and the remote end of its
// connection.
func setupTestPeer(t *testing.T) (*Peer, net.Conn) {
	t.Helper()
	localConn, remoteConn := net.Pipe()

	p := NewOutbound(localConn, &Config{
		NetParams:        &chaincfg.SimNetParams,
		UserAgentName:    "pulsd",
		UserAgentVersion: "0.1.0",
	})

	handshakeErr := make(chan error, 1)
	go func() {
		handshakeErr <- remoteHandshake(remoteConn, &chaincfg.SimNetParams)
	}()
	err := p.Connect()
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	err = <-handshakeErr
	if err != nil {
		t.Fatalf("remote handshake: %s", err)
	}
	return p, remoteConn
}

func teardownTestPeer(p *Peer) {
	p.Disconnect()
	p.WaitForDisconnect()
}

func remoteWrite(t *testing.T, conn net.Conn, msg wire.Message) {
	t.Helper()
	err := wire.WriteMessage(conn, msg, wire.ProtocolVersion, chaincfg.SimNetParams.Net)
	if err != nil {
		t.Fatalf("failed to write %s message: %s", msg.Command(), err)
	}
}

func remoteRead(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	err := conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err != nil {
		t.Fatalf("SetReadDeadline: %s", err)
	}
	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, chaincfg.SimNetParams.Net)
	if err != nil {
		t.Fatalf("failed to read message: %s", err)
	}
	return msg
}

func newTestInv(t *testing.T, firstByte byte) *wire.MsgInv {
	t.Helper()
	var hash chainhash.Hash
	hash[0] = firstByte
	msg := wire.NewMsgInv()
	err := msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash))
	if err != nil {
		t.Fatalf("AddInvVect: %s", err)
	}
	return msg
}

func TestOneShotInventorySubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, remoteConn := setupTestPeer(t)
	defer teardownTestPeer(p)

	events := make(chan invEvent, 4)
	p.SubscribeInventory(func(msg *wire.MsgInv, err error) {
		events <- invEvent{msg: msg, err: err}
	})

	remoteWrite(t, remoteConn, newTestInv(t, 0x01))
	select {
	case event := <-events:
		if event.err != nil {
			t.Fatalf("inventory event carries error: %s", event.err)
		}
		if event.msg.InvList[0].Hash[0] != 0x01 {
			t.Fatalf("got wrong announcement: %s", event.msg.InvList[0].Hash)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inventory announcement was not delivered")
	}

	// The registration was one-shot: a second announcement is buffered, not
	// delivered.
	remoteWrite(t, remoteConn, newTestInv(t, 0x02))
	select {
	case event := <-events:
		t.Fatalf("announcement delivered without a registration: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// Re-registering delivers the buffered announcement.
	p.SubscribeInventory(func(msg *wire.MsgInv, err error) {
		events <- invEvent{msg: msg, err: err}
	})
	select {
	case event := <-events:
		if event.err != nil {
			t.Fatalf("inventory event carries error: %s", event.err)
		}
		if event.msg.InvList[0].Hash[0] != 0x02 {
			t.Fatalf("got wrong announcement: %s", event.msg.InvList[0].Hash)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("buffered announcement was not delivered")
	}
}

func TestBlockSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, remoteConn := setupTestPeer(t)
	defer teardownTestPeer(p)

	events := make(chan blockEvent, 2)
	p.SubscribeBlock(func(msg *wire.MsgBlock, err error) {
		events <- blockEvent{msg: msg, err: err}
	})

	block := chaincfg.SimNetParams.GenesisBlock
	remoteWrite(t, remoteConn, block)
	select {
	case event := <-events:
		if event.err != nil {
			t.Fatalf("block event carries error: %s", event.err)
		}
		gotHash := event.msg.BlockHash()
		if !gotHash.IsEqual(chaincfg.SimNetParams.GenesisHash) {
			t.Fatalf("delivered block hashes to %s, want %s",
				gotHash, chaincfg.SimNetParams.GenesisHash)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("block was not delivered")
	}
}

func TestSend(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, remoteConn := setupTestPeer(t)
	defer teardownTestPeer(p)

	done := make(chan error, 1)
	getData := wire.NewMsgGetData()
	p.Send(getData, func(err error) { done <- err })

	msg := remoteRead(t, remoteConn)
	if msg.Command() != wire.CmdGetData {
		t.Fatalf("remote read %s message, want %s", msg.Command(), wire.CmdGetData)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send callback got error: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send callback was never invoked")
	}
}

func TestPingPong(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, remoteConn := setupTestPeer(t)
	defer teardownTestPeer(p)

	remoteWrite(t, remoteConn, wire.NewMsgPing(0xbeef))
	msg := remoteRead(t, remoteConn)
	pong, ok := msg.(*wire.MsgPong)
	if !ok {
		t.Fatalf("remote read %s message, want pong", msg.Command())
	}
	if pong.Nonce != 0xbeef {
		t.Fatalf("pong nonce is %d, want %d", pong.Nonce, 0xbeef)
	}
}

func TestDisconnectDeliversStreamError(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, remoteConn := setupTestPeer(t)
	defer teardownTestPeer(p)

	invEvents := make(chan invEvent, 2)
	p.SubscribeInventory(func(msg *wire.MsgInv, err error) {
		invEvents <- invEvent{msg: msg, err: err}
	})

	// Remote goes away: the armed subscriber observes the failure.
	err := remoteConn.Close()
	if err != nil {
		t.Fatalf("failed to close remote end: %s", err)
	}
	select {
	case event := <-invEvents:
		if event.err == nil {
			t.Fatalf("expected a stream error, got announcement %+v", event.msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream error was not delivered to armed subscriber")
	}

	// The block stream delivers its final error to the next registration.
	blockEvents := make(chan blockEvent, 2)
	p.SubscribeBlock(func(msg *wire.MsgBlock, err error) {
		blockEvents <- blockEvent{msg: msg, err: err}
	})
	select {
	case event := <-blockEvents:
		if event.err == nil {
			t.Fatalf("expected a stream error, got block %+v", event.msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream error was not delivered to late subscriber")
	}

	// Each stream fails exactly once; a further registration stays silent.
	p.SubscribeInventory(func(msg *wire.MsgInv, err error) {
		invEvents <- invEvent{msg: msg, err: err}
	})
	select {
	case event := <-invEvents:
		t.Fatalf("second error event delivered: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// Sends after the connection is gone report ErrPeerDisconnected.
	p.WaitForDisconnect()
	done := make(chan error, 1)
	p.Send(wire.NewMsgGetData(), func(err error) { done <- err })
	select {
	case err := <-done:
		if err != ErrPeerDisconnected {
			t.Fatalf("send after disconnect got %v, want ErrPeerDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send callback was never invoked")
	}
}
