package ccluster

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// integrationConfig returns a Config tuned for fast, deterministic tests
// rather than production defaults: an ephemeral port, no keepalive timer,
// and no load monitor ping traffic competing with the test's own frames.
func integrationConfig() *Config {
	c := DefaultConfig()
	c.ClusterPort = 0
	c.KeepAliveDisabled = true
	c.LoadMonitorEnabled = false
	c.TickInterval = 5 * time.Millisecond
	return c
}

// dialAccept brings up a real TCP loopback listener and a dialed session
// against it, completing the hello handshake on both ends, and returns the
// two live Sessions plus a closer for the listener.
func dialAccept(t *testing.T) (client, server *Session, closeListener func()) {
	t.Helper()
	cfg := integrationConfig()

	ln, err := Listen(cfg, NewDispatcher(), nil)
	require.NoError(t, err)

	accepted := make(chan *Session, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- s
	}()

	client, err = Dial(ln.Addr().String(), cfg, NewDispatcher(), nil)
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept never completed")
	}

	return client, server, func() { _ = ln.Close() }
}

// TestHandshakeNegotiatesSession checks Dial/Accept complete the hello
// exchange and produce two sessions that see each other as peer.
func TestHandshakeNegotiatesSession(t *testing.T) {
	client, server, closeListener := dialAccept(t)
	defer closeListener()
	defer client.Close()
	defer server.Close()

	assert.True(t, client.initiator)
	assert.False(t, server.initiator)
	assert.NotEmpty(t, client.PeerID())
	assert.NotEmpty(t, server.PeerID())
}

// TestVCRoundTripAcrossRealConnection opens a VC from the initiator, binds
// the matching channel id on the acceptor the way an incoming open-write
// handler would, and checks bytes written on one side arrive on the other
// in both directions over a genuine TCP socket.
func TestVCRoundTripAcrossRealConnection(t *testing.T) {
	client, server, closeListener := dialAccept(t)
	defer closeListener()
	defer client.Close()
	defer server.Close()

	clientVC, err := client.OpenVC()
	require.NoError(t, err)
	defer clientVC.Close()

	serverVC, err := server.bindRemoteVC(clientVC.Channel())
	require.NoError(t, err)
	defer serverVC.Close()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	_, err = clientVC.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, readFull(serverVC, got, 5*time.Second))
	assert.Equal(t, payload, got)

	reply := []byte("acknowledged")
	_, err = serverVC.Write(reply)
	require.NoError(t, err)

	gotReply := make([]byte, len(reply))
	require.NoError(t, readFull(clientVC, gotReply, 5*time.Second))
	assert.Equal(t, reply, gotReply)
}

// TestVCCloseSurfacesEOF checks a graceful Close on one side of a VC
// surfaces io.EOF to the peer's Read once buffered bytes are drained.
func TestVCCloseSurfacesEOF(t *testing.T) {
	client, server, closeListener := dialAccept(t)
	defer closeListener()
	defer client.Close()
	defer server.Close()

	clientVC, err := client.OpenVC()
	require.NoError(t, err)
	serverVC, err := server.bindRemoteVC(clientVC.Channel())
	require.NoError(t, err)

	require.NoError(t, clientVC.Close())

	serverVC.SetInactivityTimeout(5 * time.Second)
	buf := make([]byte, 16)
	n, err := serverVC.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

// TestChannelExhaustedSurfacesOnOpenVC checks OpenVC reports
// ErrChannelExhausted once a session's channel table has no free id left
// of the caller's parity, without touching real network state.
func TestChannelExhaustedSurfacesOnOpenVC(t *testing.T) {
	table := newChannelTable(true)
	s := &Session{channels: table}

	// Exhaust every remaining id of the initiator's (odd) parity by pinning
	// nextLocal at the last odd id the table can hold (32765; slots stop at
	// index 32766). The first OpenVC takes it; alloc's forward scan then has
	// nowhere left to go.
	table.nextLocal = channelTableMaxCapacity - 2

	_, err := s.OpenVC()
	require.NoError(t, err)

	_, err = s.OpenVC()
	assert.ErrorIs(t, err, ErrChannelExhausted)
}

// readFull drains exactly len(buf) bytes from r, failing with ErrTimeout if
// the deadline elapses first, for tests that don't want to hand-roll a
// polling loop around io.ReadFull's blocking semantics.
func readFull(vc *VC, buf []byte, timeout time.Duration) error {
	vc.SetInactivityTimeout(timeout)
	_, err := io.ReadFull(vc, buf)
	return err
}
