package ccluster

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// CacheOpKind identifies which cache-cluster operation a CacheRequest
// carries (spec §4.5 "lookup / open-read / open-write / remove / link /
// deref").
type CacheOpKind uint8

const (
	OpLookup CacheOpKind = iota + 1
	OpOpenReadShort
	OpOpenReadLong
	OpOpenWriteShort
	OpOpenWriteLong
	OpUpdate
	OpRemove
	OpLink
	OpDeref
)

// isOpenRead reports whether kind is one of the two open-read variants that
// spec §4.5 layers readahead-tunnel and auto-conversion-to-open-write
// behavior on top of.
func isOpenRead(kind CacheOpKind) bool {
	return kind == OpOpenReadShort || kind == OpOpenReadLong
}

// CacheRequest is one outbound cache-cluster RPC (spec §4.5).
type CacheRequest struct {
	Kind CacheOpKind
	Key  string

	// Channel is the VC this request concerns, already opened by the
	// caller for open-read/open-write variants; zero for lookup/remove.
	Channel uint16

	// Info carries the opaque cache-info payload for open-write / link,
	// or is nil when not applicable.
	Info []byte

	PinDuration time.Duration

	// ReadaheadLimit bounds how many bytes of the object body an
	// open-read reply may deliver onto the already-open VC before the
	// remainder is left to the tunnel (spec §4.5 "readahead of up to a
	// fixed maximum initial buffer"). Zero means "use whatever the
	// responder's own MaxInitialReadaheadBytes default is".
	ReadaheadLimit uint32

	// AllowOpenWriteFallback marks an open-read as eligible for the
	// auto-conversion-to-open-write path when it fails (spec §4.5 "HTTP
	// fragment type, and not a PURGE/DELETE"). The caller, not the
	// responder, knows the request's fragment type and method, so it
	// decides eligibility up front.
	AllowOpenWriteFallback bool
}

// CacheReply is the decoded response to a CacheRequest.
type CacheReply struct {
	Kind    CacheOpKind
	Status  int32 // 0 success; negative values map to sentinel errors below
	Channel uint16
	Info    []byte

	// FollowOn is the responder VC's token when the object body is longer
	// than the readahead limit, so the remainder keeps streaming over that
	// VC after the reply (spec §4.5 scenario (b)/(c)); zero Token means no
	// follow-on.
	FollowOn Token

	// StreamData is the handler's full object body for a successful
	// open-read, consumed locally by rpcState.tunnelReadahead and never
	// put on the wire: the bytes travel over the already-bound VC itself
	// (the "readahead tunnel"), not the RPC reply payload. A responder's
	// IncomingHandler sets this; decoded replies a caller receives always
	// have it nil.
	StreamData []byte
}

// Status codes carried in a CacheReply (spec §4.5).
const (
	StatusOK        int32 = 0
	StatusCacheMiss int32 = -1
	StatusError     int32 = -2

	// StatusOpenReadFailedConverted means the responder's open-read
	// failed and it auto-converted to an open-write on the same key,
	// handing the caller's already-open VC a new identity as a write VC
	// (spec §4.5 scenario (d), "result=OPEN_READ_FAILED, token=T'").
	StatusOpenReadFailedConverted int32 = -3
)

// ErrorFor maps a CacheReply's Status to a sentinel error, or nil for
// StatusOK.
func (r CacheReply) ErrorFor() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusCacheMiss:
		return ErrCacheMiss
	case StatusOpenReadFailedConverted:
		return ErrOpenReadConvertedToWrite
	default:
		return ErrReplyTimeout
	}
}

type pendingCacheOp struct {
	reply chan CacheReply
}

// rpcState is the per-session cache-RPC extension: a sequence-numbered
// pending table plus the reply-dispatch loop draining ExternalControl
// (spec §4.5 "sequence-numbered pending table").
type rpcState struct {
	session *Session

	seq uint32

	mu      sync.Mutex
	pending map[uint32]*pendingCacheOp

	metrics *Metrics
}

func newRPCState(s *Session, metrics *Metrics) *rpcState {
	r := &rpcState{
		session: s,
		pending: make(map[uint32]*pendingCacheOp),
		metrics: metrics,
	}
	go r.replyLoop()
	return r
}

func (r *rpcState) nextSeq() uint32 {
	return atomic.AddUint32(&r.seq, 1)
}

// Call sends req and blocks until a matching reply arrives, ctx is done,
// the configured RemoteOpTimeout elapses, or the session dies (spec §4.5
// "Timeout policy").
func (r *rpcState) Call(ctx context.Context, req CacheRequest) (CacheReply, error) {
	seq := r.nextSeq()
	ch := make(chan CacheReply, 1)

	r.mu.Lock()
	r.pending[seq] = &pendingCacheOp{reply: ch}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
	}()

	funcCode := uint32(FuncCacheOp)
	if req.Kind == OpLookup {
		funcCode = FuncLookup
	}
	body := encodeCacheRequest(seq, req)
	r.session.enqueueControl(ControlItem{FuncCode: funcCode, Body: body}, req.Channel, classControl)

	timeout := r.session.config.RemoteOpTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case reply := <-ch:
		r.observe(req.Kind, reply.Status, start)
		return reply, nil
	case <-ctx.Done():
		r.observe(req.Kind, StatusError, start)
		return CacheReply{}, ctx.Err()
	case <-timer.C:
		r.observe(req.Kind, StatusError, start)
		return CacheReply{}, ErrTransportTimeout
	case <-r.session.die:
		r.observe(req.Kind, StatusError, start)
		return CacheReply{}, ErrPeerDown
	}
}

func (r *rpcState) observe(kind CacheOpKind, status int32, start time.Time) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if status != StatusOK {
		outcome = "error"
	}
	r.metrics.cacheOp(opName(kind), outcome)
	r.metrics.cacheOpLatency(opName(kind), time.Since(start).Seconds())
}

func opName(kind CacheOpKind) string {
	switch kind {
	case OpLookup:
		return "lookup"
	case OpOpenReadShort:
		return "open_read_short"
	case OpOpenReadLong:
		return "open_read_long"
	case OpOpenWriteShort:
		return "open_write_short"
	case OpOpenWriteLong:
		return "open_write_long"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	case OpLink:
		return "link"
	case OpDeref:
		return "deref"
	default:
		return "unknown"
	}
}

// replyLoop drains the session's external control channel, decoding
// lookup/cache-op replies and waking the matching Call; unsolicited
// requests (this node is the acceptor of a cache op) are handed to
// handleIncoming.
func (r *rpcState) replyLoop() {
	for {
		select {
		case c, ok := <-r.session.ExternalControl():
			if !ok {
				return
			}
			switch c.FuncCode {
			case FuncLookupReply, FuncCacheOpReply:
				r.deliverReply(c)
			case FuncLookup, FuncCacheOp:
				r.handleIncoming(c)
			}
		case <-r.session.die:
			return
		}
	}
}

func (r *rpcState) deliverReply(c ControlItem) {
	seq, reply, err := decodeCacheReply(c.Body)
	if err != nil {
		r.session.log.WithError(err).Warn("malformed cache reply")
		return
	}
	r.mu.Lock()
	op, ok := r.pending[seq]
	r.mu.Unlock()
	if !ok {
		return // unknown or already-expired sequence number; caller already timed out
	}
	select {
	case op.reply <- reply:
	default:
	}
}

// IncomingHandler answers a cache-op request this node received as
// acceptor, returning the reply to send back. Set per session via
// Session.SetIncomingHandler, wired at node startup to the local cache
// engine's request processor; an unset handler reports StatusError for
// every incoming op.
type IncomingHandler func(req CacheRequest) CacheReply

func (r *rpcState) handleIncoming(c ControlItem) {
	seq, req, err := decodeCacheRequest(c.Body)
	if err != nil {
		r.session.log.WithError(err).Warn("malformed cache request")
		return
	}
	reply := r.runIncoming(req)
	reply.Kind = req.Kind

	funcCode := uint32(FuncCacheOpReply)
	if req.Kind == OpLookup {
		funcCode = FuncLookupReply
	}
	body := encodeCacheReply(seq, reply)
	r.session.enqueueControl(ControlItem{FuncCode: funcCode, Body: body}, req.Channel, classControl)
}

// runIncoming dispatches req to the session's IncomingHandler and applies
// the two open-read behaviors spec §4.5 layers on top of a bare reply: the
// readahead tunnel, and the open-read-failed-to-open-write auto-conversion.
func (r *rpcState) runIncoming(req CacheRequest) CacheReply {
	if r.session.incomingHandler == nil {
		return CacheReply{Status: StatusError}
	}
	reply := r.session.incomingHandler(req)

	if !isOpenRead(req.Kind) {
		return reply
	}

	if reply.Status == StatusOK {
		r.tunnelReadahead(req, &reply)
		return reply
	}

	if req.AllowOpenWriteFallback {
		// The responder's open-read failed for an HTTP fragment that
		// isn't a PURGE/DELETE: immediately attempt an open-write on the
		// same key over the same (already-bound) VC, and if it succeeds
		// hand the caller the write token instead of a bare failure
		// (spec §4.5, scenario (d)).
		convert := r.session.incomingHandler(CacheRequest{
			Kind:    OpOpenWriteLong,
			Key:     req.Key,
			Channel: req.Channel,
			Info:    req.Info,
		})
		if convert.Status == StatusOK {
			convert.Status = StatusOpenReadFailedConverted
			convert.StreamData = nil
			return convert
		}
	}
	return reply
}

// tunnelReadahead delivers reply.StreamData onto req's already-bound VC: up
// to req.ReadaheadLimit bytes (or the responder's own configured default)
// before the reply is even sent, with any excess streamed afterward as a
// one-way tunnel on the same channel (spec §4.5 "readahead tunnel" /
// "grafted onto the read VC"). StreamData never travels in the wire reply
// itself, so it is always cleared before returning.
func (r *rpcState) tunnelReadahead(req CacheRequest, reply *CacheReply) {
	data := reply.StreamData
	reply.StreamData = nil
	if len(data) == 0 {
		return
	}
	vc := r.session.channels.lookup(req.Channel)
	if vc == nil {
		return
	}

	limit := int(req.ReadaheadLimit)
	if limit <= 0 {
		limit = int(r.session.config.MaxInitialReadaheadBytes)
	}
	if limit <= 0 || limit > len(data) {
		limit = len(data)
	}
	initial, remainder := data[:limit], data[limit:]
	_, _ = vc.Write(initial)

	if len(remainder) == 0 {
		// The whole object fit in the initial buffer: no follow-on
		// connection is needed and the VC is torn down once the
		// initial bytes have drained (spec §4.5 scenario (b)).
		reply.FollowOn = Token{}
		_ = vc.Close()
		return
	}

	reply.FollowOn = vc.Token()
	go func(rest []byte) {
		_, _ = vc.Write(rest)
		_ = vc.Close()
	}(remainder)
}

// --- wire encoding for cache-op bodies ---
//
// request: seq(4) kind(1) keyLen(2) key channel(2) pinMillis(8) infoLen(4) info readaheadLimit(4) fallback(1)
// reply:   seq(4) kind(1) status(4) channel(2) followIPLen(1) followIP followSession(8) followSeq(4) infoLen(4) info

func encodeCacheRequest(seq uint32, req CacheRequest) []byte {
	key := []byte(req.Key)
	buf := make([]byte, 4+1+2+len(key)+2+8+4+len(req.Info)+4+1)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], seq)
	off += 4
	buf[off] = byte(req.Kind)
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(key)))
	off += 2
	copy(buf[off:], key)
	off += len(key)
	binary.LittleEndian.PutUint16(buf[off:], req.Channel)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], uint64(req.PinDuration/time.Millisecond))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(req.Info)))
	off += 4
	copy(buf[off:], req.Info)
	off += len(req.Info)
	binary.LittleEndian.PutUint32(buf[off:], req.ReadaheadLimit)
	off += 4
	if req.AllowOpenWriteFallback {
		buf[off] = 1
	}
	return buf
}

func decodeCacheRequest(buf []byte) (uint32, CacheRequest, error) {
	if len(buf) < 7 {
		return 0, CacheRequest{}, errors.New("truncated cache request")
	}
	seq := binary.LittleEndian.Uint32(buf[0:4])
	kind := CacheOpKind(buf[4])
	keyLen := int(binary.LittleEndian.Uint16(buf[5:7]))
	off := 7
	if off+keyLen+2+8+4 > len(buf) {
		return 0, CacheRequest{}, errors.New("truncated cache request body")
	}
	key := string(buf[off : off+keyLen])
	off += keyLen
	channel := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	pinMillis := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	infoLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+infoLen > len(buf) {
		return 0, CacheRequest{}, errors.New("truncated cache request info")
	}
	info := append([]byte(nil), buf[off:off+infoLen]...)
	off += infoLen
	if off+4+1 > len(buf) {
		return 0, CacheRequest{}, errors.New("truncated cache request readahead fields")
	}
	readaheadLimit := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	fallback := buf[off] != 0
	return seq, CacheRequest{
		Kind:                   kind,
		Key:                    key,
		Channel:                channel,
		PinDuration:            time.Duration(pinMillis) * time.Millisecond,
		Info:                   info,
		ReadaheadLimit:         readaheadLimit,
		AllowOpenWriteFallback: fallback,
	}, nil
}

func encodeCacheReply(seq uint32, reply CacheReply) []byte {
	ipBytes := []byte(reply.FollowOn.CreatorIP)
	buf := make([]byte, 4+1+4+2+1+len(ipBytes)+8+4+4+len(reply.Info))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], seq)
	off += 4
	buf[off] = byte(reply.Kind)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(reply.Status))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], reply.Channel)
	off += 2
	buf[off] = byte(len(ipBytes))
	off++
	copy(buf[off:], ipBytes)
	off += len(ipBytes)
	binary.LittleEndian.PutUint64(buf[off:], reply.FollowOn.SessionID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], reply.FollowOn.Sequence)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(reply.Info)))
	off += 4
	copy(buf[off:], reply.Info)
	return buf
}

func decodeCacheReply(buf []byte) (uint32, CacheReply, error) {
	if len(buf) < 11 {
		return 0, CacheReply{}, errors.New("truncated cache reply")
	}
	seq := binary.LittleEndian.Uint32(buf[0:4])
	kind := CacheOpKind(buf[4])
	status := int32(binary.LittleEndian.Uint32(buf[5:9]))
	channel := binary.LittleEndian.Uint16(buf[9:11])
	off := 11
	if off >= len(buf) {
		return 0, CacheReply{}, errors.New("truncated cache reply follow-on")
	}
	ipLen := int(buf[off])
	off++
	if off+ipLen+8+4+4 > len(buf) {
		return 0, CacheReply{}, errors.New("truncated cache reply follow-on fields")
	}
	ip := string(buf[off : off+ipLen])
	off += ipLen
	sessionID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	followSeq := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	infoLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+infoLen > len(buf) {
		return 0, CacheReply{}, errors.New("truncated cache reply info")
	}
	info := append([]byte(nil), buf[off:off+infoLen]...)
	return seq, CacheReply{
		Kind:     kind,
		Status:   status,
		Channel:  channel,
		Info:     info,
		FollowOn: Token{CreatorIP: ip, SessionID: sessionID, Sequence: followSeq},
	}, nil
}
