package ccluster

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const protocolMajor, protocolMinor = 1, 0
const protocolMinMajor, protocolMinMinor = 1, 0

var nextSessionID uint64

// nativeOrder is the byte order this process always encodes its own hello
// in; the peer's DetectHelloOrder figures out whether a swap is needed.
var nativeOrder byteOrder = binary.LittleEndian

// Dial establishes an outbound cluster session to addr, performing the
// hello handshake (byte-order sentinel + version negotiation) before
// returning a live Session (spec §4.4 "Session establishment").
func Dial(addr string, config *Config, dispatcher *Dispatcher, metrics *Metrics) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	conn, err := net.DialTimeout("tcp", addr, config.RemoteOpTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "dial cluster peer")
	}
	applySocketOptions(conn, config)

	s, err := handshake(conn, config, true, dispatcher, metrics)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Listener accepts inbound cluster sessions on one TCP port.
type Listener struct {
	ln         net.Listener
	config     *Config
	dispatcher *Dispatcher
	metrics    *Metrics
}

// Listen binds config.ClusterPort and returns a Listener ready for Accept.
func Listen(config *Config, dispatcher *Dispatcher, metrics *Metrics) (*Listener, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(config.ClusterPort)))
	if err != nil {
		return nil, errors.Wrap(err, "listen for cluster peers")
	}
	return &Listener{ln: ln, config: config, dispatcher: dispatcher, metrics: metrics}, nil
}

// Accept blocks for the next inbound connection and completes its
// handshake, returning a live Session.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "accept cluster peer")
	}
	applySocketOptions(conn, l.config)

	s, err := handshake(conn, l.config, false, l.dispatcher, l.metrics)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close stops accepting new sessions; already-established sessions are
// unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// handshake performs the hello exchange and returns a constructed Session.
// Both sides write their hello immediately, then read the peer's, detecting
// byte order from the sentinel field before decoding anything else (spec
// §4.1 "Hello handshake").
func handshake(conn net.Conn, config *Config, initiator bool, dispatcher *Dispatcher, metrics *Metrics) (*Session, error) {
	ours := Hello{
		NativeByteOrder: nativeByteOrderSentinel,
		Major:           protocolMajor,
		Minor:           protocolMinor,
		MinMajor:        protocolMinMajor,
		MinMinor:        protocolMinMinor,
		Port:            uint16(config.ClusterPort),
	}

	deadline := time.Now().Add(config.RemoteOpTimeout)
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(ours.Encode(nativeOrder)); err != nil {
		return nil, errors.Wrap(err, "write hello")
	}

	raw := make([]byte, helloSize)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return nil, errors.Wrap(err, "read peer hello")
	}
	bo, err := DetectHelloOrder(raw)
	if err != nil {
		return nil, err
	}
	peerHello, err := DecodeHello(raw, bo)
	if err != nil {
		return nil, err
	}

	var major, minor uint16
	var ok bool
	if initiator {
		major, minor, ok = NegotiateVersion(ours, peerHello)
	} else {
		major, minor, ok = NegotiateVersion(peerHello, ours)
	}
	if !ok {
		return nil, errors.New("no compatible cluster protocol version with peer")
	}
	_ = major
	_ = minor

	_ = conn.SetDeadline(time.Time{})

	id := atomic.AddUint64(&nextSessionID, 1)
	s := newSession(sessionOpts{
		conn:       conn,
		config:     config,
		initiator:  initiator,
		bo:         bo,
		id:         id,
		peerID:     conn.RemoteAddr().String(),
		dispatcher: dispatcher,
		metrics:    metrics,
	})
	return s, nil
}

func applySocketOptions(conn net.Conn, config *Config) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if config.SocketSendBufferBytes > 0 {
		_ = tc.SetWriteBuffer(config.SocketSendBufferBytes)
	}
	if config.SocketRecvBufferBytes > 0 {
		_ = tc.SetReadBuffer(config.SocketRecvBufferBytes)
	}
	_ = tc.SetNoDelay(true)
}
