package ccluster

import "sync"

const (
	channelTableInitialCapacity = 4096
	channelTableMaxCapacity     = 32767 // 15-bit id space, minus channel 0
)

// channelTable maps a 15-bit channel id to its owning VC, with a free-list
// for the ids this end allocates (spec §4.2). Only the owning session's
// pump goroutine mutates it (spec §5 "Shared-resource policy").
type channelTable struct {
	mu sync.Mutex // guards everything below; held briefly, never across I/O

	initiator bool // true if this end dialed the TCP link

	slots []*VC // dense array indexed by channel id; nil when free

	// localFree holds channel ids of this end's parity that were
	// previously allocated and then freed, available for reuse before
	// growing the table or scanning forward.
	localFree []uint16

	// nextLocal is the next never-yet-used id of this end's parity to
	// hand out once localFree is empty.
	nextLocal uint16
}

// newChannelTable constructs a table for one session. initiator selects
// which parity this end owns: odd ids if we dialed, even ids if we accepted
// (spec §3 Channel, "Ownership parity").
func newChannelTable(initiator bool) *channelTable {
	t := &channelTable{
		initiator: initiator,
		slots:     make([]*VC, channelTableInitialCapacity),
	}
	if initiator {
		t.nextLocal = 1
	} else {
		t.nextLocal = 2
	}
	return t
}

// localParity reports whether channel id i belongs to this end, per the
// ownership-parity rule: initiator owns odd ids, acceptor owns even ids.
// Channel 0 belongs to neither (it is the reserved control channel).
func (t *channelTable) localParity(id uint16) bool {
	if id == 0 {
		return false
	}
	isOdd := id&1 == 1
	return isOdd == t.initiator
}

// grow doubles capacity up to channelTableMaxCapacity. Caller must hold mu.
func (t *channelTable) grow() bool {
	if len(t.slots) >= channelTableMaxCapacity {
		return false
	}
	newCap := len(t.slots) * 2
	if newCap > channelTableMaxCapacity {
		newCap = channelTableMaxCapacity
	}
	grown := make([]*VC, newCap)
	copy(grown, t.slots)
	t.slots = grown
	return true
}

// alloc binds vc to a channel id. When requested == 0, a free id of this
// end's parity (odd for the initiator, even for the acceptor) is chosen and
// returned. Otherwise (binding an id the peer already chose, carried in the
// SYN-equivalent open message) the caller passes the exact id and the
// table binds it, returning ErrChannelInUse if already occupied.
//
// Returns the bound id, or an error: ErrChannelInUse if requested is already
// bound, ErrChannelExhausted if capacity is exhausted with no free id of the
// right parity.
func (t *channelTable) alloc(vc *VC, requested uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if requested != 0 {
		for int(requested) >= len(t.slots) {
			if !t.grow() {
				return 0, ErrChannelExhausted
			}
		}
		if t.slots[requested] != nil {
			return 0, ErrChannelInUse
		}
		t.slots[requested] = vc
		return requested, nil
	}

	// Local allocation: prefer the free-list (O(1) reuse), then advance
	// nextLocal by 2 to stay within our parity class.
	for len(t.localFree) > 0 {
		id := t.localFree[len(t.localFree)-1]
		t.localFree = t.localFree[:len(t.localFree)-1]
		if int(id) < len(t.slots) && t.slots[id] == nil {
			t.slots[id] = vc
			return id, nil
		}
		// Stale entry (table shrank conceptually — never happens today,
		// but keep the loop honest): drop and keep scanning.
	}

	for {
		id := t.nextLocal
		if id == 0 || int(id) > channelTableMaxCapacity {
			return 0, ErrChannelExhausted
		}
		for int(id) >= len(t.slots) {
			if !t.grow() {
				return 0, ErrChannelExhausted
			}
		}
		t.nextLocal += 2
		if t.slots[id] == nil {
			t.slots[id] = vc
			return id, nil
		}
		// id already occupied (shouldn't happen under correct bookkeeping);
		// keep scanning forward.
	}
}

// free returns id to the table. Ids of this end's parity re-enter the
// local free list for reuse; remote-parity ids are simply cleared, since
// only the allocating end may reuse them.
func (t *channelTable) free(id uint16) {
	if id == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slots) {
		return
	}
	t.slots[id] = nil
	if t.localParity(id) {
		t.localFree = append(t.localFree, id)
	}
}

// lookup returns the VC bound to id, or nil if none.
func (t *channelTable) lookup(id uint16) *VC {
	if id == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// each calls fn for every non-nil VC currently bound, used by
// Session.machineDown to detach every VC before the session itself is
// destroyed (spec §9 "Cyclic references between a VC and its session").
func (t *channelTable) each(fn func(id uint16, vc *VC)) {
	t.mu.Lock()
	slots := make([]*VC, len(t.slots))
	copy(slots, t.slots)
	t.mu.Unlock()

	for id, vc := range slots {
		if vc != nil {
			fn(uint16(id), vc)
		}
	}
}
