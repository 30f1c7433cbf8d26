package ccluster

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// close sentinel values for VC.closed / VC.remoteClosed (spec §4.3).
const (
	closeNone    int32 = 0
	closeNormal  int32 = 1
	closeAbort   int32 = -1
	remoteCloseForceOnOpenChannel int32 = -2 // FORCE_CLOSE_ON_OPEN_CHANNEL
)

// Token identifies a VC uniquely across the cluster: the creating node's
// address, the session id that created it, and a monotonic sequence number
// (spec §3 VC "token").
type Token struct {
	CreatorIP string
	SessionID uint64
	Sequence  uint32
}

// Zero reports whether this is the empty token, used to signal "no
// follow-on connection" in an open-read reply (spec §4.5 scenario (b)).
func (t Token) Zero() bool {
	return t == Token{}
}

// CacheInfo is the opaque "alternate" metadata payload carried on a VC
// after a successful OPEN_READ (spec §3 VC "optional cache-info payload").
// HTTP marshalling itself is an external collaborator (spec §1); this type
// is just the transport-level envelope for whatever bytes the cache engine
// hands us.
type CacheInfo struct {
	Bytes []byte
}

// readBlock is one chunk of data delivered to a VC's read side, either
// directly (lock was acquired) or via the byte bank (lock was missed).
type readBlock struct {
	data []byte
}

// VC is one logical duplex stream multiplexed over a Session (spec §4.3).
// It is the generalization of the teacher's stream type: read side, write
// side, per-side mutex, credit-based flow control in place of smux's
// window/peerConsumed pair, and explicit close/remote-close states instead
// of a single FIN bit.
type VC struct {
	channel uint16
	session *Session
	token   Token

	// deliveryMu is the contention point the session pump's read and write
	// phases try-lock against when deciding direct delivery/drain versus
	// deferral (byte bank for reads, next-cycle retry for writes). It is
	// deliberately distinct from readMu/writeMu, which guard this VC's own
	// bookkeeping and are always acquired uncontended for a brief critical
	// section regardless of pump contention.
	deliveryMu sync.Mutex

	// read side
	readMu      sync.Mutex
	readBlocks  []readBlock
	readWake    chan struct{}
	readDeadline atomic.Value // time.Time
	readErr     error
	eos         bool

	// write side
	writeMu        sync.Mutex
	writeList      [][]byte // pending write blocks, not yet shipped
	writeListBytes int      // sum of len() over writeList; spec §3 invariant
	inTransit      int      // bytes sent, not yet acknowledged shipped
	remoteFree     int64    // peer's advertised credit for this channel
	lastAdvLocal   int64    // last free space we advertised to the peer
	pendingFill    bool     // "pending remote fill" flag
	writeWake      chan struct{}
	writeDeadline  atomic.Value // time.Time

	pendingSetData int32 // counter; data ineligible to send until this reaches 0

	closed       int32 // 0 none, >0 normal, <0 abort
	remoteClosed int32 // 0 none, >0 normal, remoteCloseForceOnOpenChannel special

	closeDisabled       bool
	remoteCloseDisabled bool

	cacheInfo *CacheInfo

	inactivityTimeout time.Duration
	activeTimeout     time.Duration
	activeDeadline    time.Time

	closeOnce sync.Once
	dieCh     chan struct{}
}

func newVC(session *Session, channel uint16, token Token) *VC {
	return &VC{
		channel:  channel,
		session:  session,
		token:    token,
		readWake: make(chan struct{}, 1),
		writeWake: make(chan struct{}, 1),
		dieCh:    make(chan struct{}),
	}
}

// Channel returns the 15-bit channel id this VC is bound to.
func (v *VC) Channel() uint16 { return v.channel }

// Token returns this VC's process-unique token.
func (v *VC) Token() Token { return v.token }

// CacheInfo returns the cache-info payload grafted onto this VC by a
// successful open-read reply (spec §4.5 "the cache_info payload is grafted
// onto the read VC as the chosen alternate"), or nil if the reply carried
// none.
func (v *VC) CacheInfo() *CacheInfo {
	v.readMu.Lock()
	defer v.readMu.Unlock()
	return v.cacheInfo
}

// setCacheInfo grafts info onto the VC; called by Cluster.OpenReadVC once a
// successful open-read reply's Info payload has been decoded.
func (v *VC) setCacheInfo(info *CacheInfo) {
	v.readMu.Lock()
	v.cacheInfo = info
	v.readMu.Unlock()
}

// DoIORead registers this VC for reading; semantically a non-blocking
// enable, since Go's io.Reader already blocks the caller's goroutine rather
// than requiring a separate completion callback (spec §4.3 do_io_read).
// Read itself is the blocking call; DoIORead exists to mirror the source's
// contract and to let callers flip on reading without immediately reading.
func (v *VC) DoIORead() { v.Reenable(true) }

// DoIOWrite registers this VC's writer side as active (spec §4.3
// do_io_write). Write itself both registers and transfers bytes; DoIOWrite
// is provided for parity with callers that enable before producing data.
func (v *VC) DoIOWrite() { v.Reenable(false) }

// Reenable marks the given side (read=true, write=false) as wanting
// attention and pushes the VC onto the session's ready list for that
// direction (spec §4.3 reenable).
func (v *VC) Reenable(read bool) {
	if read {
		select {
		case v.readWake <- struct{}{}:
		default:
		}
		v.session.readyRead(v)
	} else {
		select {
		case v.writeWake <- struct{}{}:
		default:
		}
		v.session.readyWrite(v)
	}
}

// Read implements io.Reader, delivering bytes pushed by the session's read
// pump (directly, or replayed from the byte bank). Returns io.EOF once the
// peer has closed and all buffered bytes are drained.
func (v *VC) Read(p []byte) (int, error) {
	for {
		v.readMu.Lock()
		if len(v.readBlocks) > 0 {
			n := copy(p, v.readBlocks[0].data)
			v.readBlocks[0].data = v.readBlocks[0].data[n:]
			if len(v.readBlocks[0].data) == 0 {
				v.readBlocks = v.readBlocks[1:]
			}
			v.readMu.Unlock()
			if n > 0 {
				v.session.returnFreeSpace(v, n)
			}
			return n, nil
		}
		err := v.readErr
		eos := v.eos
		v.readMu.Unlock()

		if err != nil {
			return 0, err
		}
		if eos {
			return 0, io.EOF
		}

		if waitErr := v.waitReadable(); waitErr != nil {
			return 0, waitErr
		}
	}
}

func (v *VC) waitReadable() error {
	var deadline <-chan time.Time
	if d, ok := v.readDeadline.Load().(time.Time); ok && !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-v.readWake:
		return nil
	case <-deadline:
		return ErrTimeout
	case <-v.dieCh:
		return ErrVCClosed
	}
}

// pushBytes delivers data directly (lock was acquired during the read
// pump's data phase) or via the byte bank (lock missed). Both paths funnel
// through here; the caller decides which by whether it acquired v.deliveryMu
// or handed data to the session's byte bank for retry (see session.go).
func (v *VC) pushBytes(data []byte) {
	v.readMu.Lock()
	v.readBlocks = append(v.readBlocks, readBlock{data: data})
	v.readMu.Unlock()
	select {
	case v.readWake <- struct{}{}:
	default:
	}
}

// deliverEOS marks the read side as having seen the peer's close, to be
// surfaced as io.EOF once buffered bytes are drained (spec §4.3 "VC_EVENT_EOS").
func (v *VC) deliverEOS() {
	v.readMu.Lock()
	v.eos = true
	v.readMu.Unlock()
	select {
	case v.readWake <- struct{}{}:
	default:
	}
}

// deliverReadError surfaces a terminal read-side error (timeout, peer-down).
func (v *VC) deliverReadError(err error) {
	v.readMu.Lock()
	if v.readErr == nil {
		v.readErr = err
	}
	v.readMu.Unlock()
	select {
	case v.readWake <- struct{}{}:
	default:
	}
}

// Write implements io.Writer: it appends to write_list and wakes the write
// pump; the data is not necessarily on the wire when Write returns (spec
// §4.3 do_io_write registers a writer, it does not force an immediate
// flush).
func (v *VC) Write(p []byte) (int, error) {
	if atomic.LoadInt32(&v.closed) != closeNone {
		return 0, ErrVCClosed
	}
	if atomic.LoadInt32(&v.pendingSetData) != 0 {
		// Not yet eligible: all attached set-data control messages must be
		// delivered first (spec §4.3 invariant).
		return 0, ErrLocalLockMiss
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	v.writeMu.Lock()
	v.writeList = append(v.writeList, buf)
	v.writeListBytes += len(buf)
	v.writeMu.Unlock()

	v.Reenable(false)
	return len(p), nil
}

// drainForSend removes up to max bytes from the front of write_list,
// respecting remote_free credit, for the write pump to ship as one DATA
// descriptor (spec §4.4 write pump "Build policy"). Returns nil if nothing
// is eligible to send right now.
func (v *VC) drainForSend(maxLen uint32) []byte {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	if len(v.writeList) == 0 {
		return nil
	}
	budget := v.remoteFree - int64(v.inTransit)
	if budget <= 0 {
		return nil
	}
	limit := int64(maxLen)
	if budget < limit {
		limit = budget
	}

	out := make([]byte, 0, limit)
	for len(v.writeList) > 0 && int64(len(out)) < limit {
		block := v.writeList[0]
		need := limit - int64(len(out))
		if int64(len(block)) <= need {
			out = append(out, block...)
			v.writeList = v.writeList[1:]
		} else {
			out = append(out, block[:need]...)
			v.writeList[0] = block[need:]
		}
	}
	v.writeListBytes -= len(out)
	v.inTransit += len(out)
	return out
}

// ackShipped is called when the write pump's buffer has actually gone out
// on the wire, decrementing write_bytes_in_transit (spec §8 property 4).
func (v *VC) ackShipped(n int) {
	v.writeMu.Lock()
	v.inTransit -= n
	if v.inTransit < 0 {
		v.inTransit = 0
	}
	v.writeMu.Unlock()
}

// applyFreeSpace applies a FREE descriptor's advertised credit to
// remote_free and reenables the write side (spec §4.4 "Descriptors of type
// FREE ... applied to the VC's remote_free counter").
func (v *VC) applyFreeSpace(n int64) {
	v.writeMu.Lock()
	v.remoteFree += n
	v.writeMu.Unlock()
	v.Reenable(false)
}

// localFreeSpaceToAdvertise computes how much new credit to advertise to
// the peer for this VC's read side: the gap between what has already been
// advertised and how much buffer room is currently free.
func (v *VC) localFreeSpaceToAdvertise(bufferCapacity int64) int64 {
	v.readMu.Lock()
	used := int64(0)
	for _, b := range v.readBlocks {
		used += int64(len(b.data))
	}
	v.readMu.Unlock()

	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	available := bufferCapacity - used
	delta := available - v.lastAdvLocal
	if delta <= 0 {
		return 0
	}
	v.lastAdvLocal = available
	return delta
}

// eligibleForData reports whether this VC may emit a DATA descriptor right
// now: no pending set-data control messages outstanding (spec §4.3
// invariant, §5 ordering guarantee).
func (v *VC) eligibleForData() bool {
	return atomic.LoadInt32(&v.pendingSetData) == 0
}

// addPendingSetData bumps the set-data counter; called when SetHTTPInfo /
// SetPinInCache / SetDiskIOPriority enqueue a control message, before the
// first DoIOWrite.
func (v *VC) addPendingSetData() {
	atomic.AddInt32(&v.pendingSetData, 1)
}

// ackSetData is called on the peer's confirmation (or, on the sender side
// immediately at send time via post_send_hook semantics) that one set-data
// message has been delivered.
func (v *VC) ackSetData() {
	atomic.AddInt32(&v.pendingSetData, -1)
}

// SetHTTPInfo enqueues a set-channel-data control message carrying info and
// bumps the pending-set-data counter. Callable only before the first Write
// (spec §4.3).
func (v *VC) SetHTTPInfo(info CacheInfo) error {
	if len(v.writeList) != 0 {
		return ErrLocalLockMiss
	}
	v.addPendingSetData()
	v.session.enqueueControl(ControlItem{FuncCode: FuncSetChannelData, Body: info.Bytes}, v.channel, classData)
	return nil
}

// SetPinInCache enqueues a set-channel-pin control message.
func (v *VC) SetPinInCache(d time.Duration) {
	v.addPendingSetData()
	body := encodeDurationMillis(d)
	v.session.enqueueControl(ControlItem{FuncCode: FuncSetChannelPin, Body: body}, v.channel, classData)
}

// SetDiskIOPriority enqueues a set-channel-priority control message.
func (v *VC) SetDiskIOPriority(p int32) {
	v.addPendingSetData()
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(p))
	v.session.enqueueControl(ControlItem{FuncCode: FuncSetChannelPriority, Body: body}, v.channel, classData)
}

// SetInactivityTimeout sets a read deadline d from now: a Read still waiting
// for bytes when it passes fails with ErrTimeout. The deadline is not pushed
// back by later traffic, and Write does not consult it.
func (v *VC) SetInactivityTimeout(d time.Duration) {
	v.inactivityTimeout = d
	if d > 0 {
		v.readDeadline.Store(time.Now().Add(d))
	}
}

// SetActiveTimeout records a hard deadline d from now, regardless of
// activity. Neither Read nor Write checks it, so reaching it does not end or
// fail the VC.
func (v *VC) SetActiveTimeout(d time.Duration) {
	v.activeTimeout = d
	if d > 0 {
		v.activeDeadline = time.Now().Add(d)
		v.writeDeadline.Store(v.activeDeadline)
	}
}

// CancelInactivityTimeout disables the inactivity timeout.
func (v *VC) CancelInactivityTimeout() {
	v.inactivityTimeout = 0
	v.readDeadline.Store(time.Time{})
}

// CancelActiveTimeout disables the active timeout.
func (v *VC) CancelActiveTimeout() {
	v.activeTimeout = 0
	v.writeDeadline.Store(time.Time{})
}

// DoIOClose transitions the VC to closed. graceful=true keeps pending
// writes queued so they still drain; graceful=false aborts, discarding them.
// Either way a close-channel message carrying the close code is queued for
// the peer. The default, idiomatic call is Close(), which performs a
// graceful close.
func (v *VC) DoIOClose(graceful bool) error {
	var closeErr error
	v.closeOnce.Do(func() {
		if graceful {
			atomic.StoreInt32(&v.closed, closeNormal)
		} else {
			atomic.StoreInt32(&v.closed, closeAbort)
			v.writeMu.Lock()
			v.writeList = nil
			v.writeListBytes = 0
			v.writeMu.Unlock()
		}
		close(v.dieCh)
		code := int32(closeNormal)
		if !graceful {
			code = closeAbort
		}
		body := make([]byte, 4)
		v.session.bo.PutUint32(body, uint32(code))
		v.session.enqueueControl(ControlItem{FuncCode: FuncCloseChannel, Body: body}, v.channel, classControl)
		v.session.vcClosed(v)
	})
	return closeErr
}

// Close implements io.Closer as a graceful close.
func (v *VC) Close() error {
	return v.DoIOClose(true)
}

// IsClosed reports whether this side has initiated close.
func (v *VC) IsClosed() bool {
	return atomic.LoadInt32(&v.closed) != closeNone
}

// freeable reports whether this VC meets spec §8 property 5: closed, no
// pending set-data counters, no in-transit bytes, no write-list bytes.
func (v *VC) freeable() bool {
	if atomic.LoadInt32(&v.closed) == closeNone {
		return false
	}
	if atomic.LoadInt32(&v.pendingSetData) != 0 {
		return false
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.inTransit == 0 && v.writeListBytes == 0
}

// applyRemoteClose records the peer's close notification for this VC,
// including the FORCE_CLOSE_ON_OPEN_CHANNEL special case (peer never had
// this channel open).
func (v *VC) applyRemoteClose(code int32) {
	atomic.StoreInt32(&v.remoteClosed, code)
	if code == remoteCloseForceOnOpenChannel {
		v.deliverReadError(ErrVCClosed)
	} else {
		v.deliverEOS()
	}
}
