package gossip

import (
	"github.com/pkg/errors"
)

// Entry is one row of a membership list. Timestamp is the local tick of the
// last accepted refresh and never a peer's clock.
type Entry struct {
	ID        uint32
	Port      uint16
	Heartbeat uint64
	Timestamp int64
}

func (e Entry) Addr() Address {
	return Address{ID: e.ID, Port: e.Port}
}

// Limits is the plausibility filter applied to incoming entries. A zero
// field leaves that dimension unbounded.
type Limits struct {
	MaxHeartbeat uint64
	MaxTimestamp int64
	// GroupSize bounds member ids to [1, GroupSize].
	GroupSize uint32
}

// Check returns an error wrapping ErrOutOfRange if e is implausible.
func (l Limits) Check(e Entry) error {
	if e.ID == 0 || (l.GroupSize > 0 && e.ID > l.GroupSize) {
		return errors.Wrapf(ErrOutOfRange, "id %d outside group of %d", e.ID, l.GroupSize)
	}
	if l.MaxHeartbeat > 0 && e.Heartbeat > l.MaxHeartbeat {
		return errors.Wrapf(ErrOutOfRange, "heartbeat %d above %d", e.Heartbeat, l.MaxHeartbeat)
	}
	if e.Timestamp < 0 || (l.MaxTimestamp > 0 && e.Timestamp > l.MaxTimestamp) {
		return errors.Wrapf(ErrOutOfRange, "timestamp %d outside [0, %d]", e.Timestamp, l.MaxTimestamp)
	}
	return nil
}

// MergeRules carries what Merge needs besides the entries themselves.
type MergeRules struct {
	Limits   Limits
	Detector FailureDetector
}

// MergeResult summarises one Merge call.
type MergeResult struct {
	Admitted []Entry
	Updated  int
	Rejected int
}

// MemberList is a node's membership table. It holds exactly one entry per
// id, the owner's own entry included. It is not safe for concurrent use;
// the Gossiper that owns it serializes access.
type MemberList struct {
	self    Address
	entries []Entry
	index   map[uint32]int
}

// NewMemberList returns a list seeded with the owner's entry.
func NewMemberList(self Address, heartbeat uint64, now int64) *MemberList {
	l := &MemberList{
		self:  self,
		index: make(map[uint32]int),
	}
	l.add(Entry{ID: self.ID, Port: self.Port, Heartbeat: heartbeat, Timestamp: now})
	return l
}

func (l *MemberList) Self() Entry {
	return l.entries[l.index[l.self.ID]]
}

func (l *MemberList) Len() int {
	return len(l.entries)
}

func (l *MemberList) Get(id uint32) (Entry, bool) {
	i, ok := l.index[id]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// All returns a copy of every entry in table order.
func (l *MemberList) All() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Peers returns the addresses of every entry except the owner's.
func (l *MemberList) Peers() []Address {
	out := make([]Address, 0, len(l.entries))
	for _, e := range l.entries {
		if e.ID != l.self.ID {
			out = append(out, e.Addr())
		}
	}
	return out
}

// Add inserts e if its id is unknown. It reports whether it did.
func (l *MemberList) Add(e Entry) bool {
	if _, ok := l.index[e.ID]; ok {
		return false
	}
	l.add(e)
	return true
}

func (l *MemberList) add(e Entry) {
	l.index[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
}

// Touch advances the owner's own entry. It is the only way that entry
// changes.
func (l *MemberList) Touch(heartbeat uint64, now int64) {
	i := l.index[l.self.ID]
	l.entries[i].Heartbeat = heartbeat
	l.entries[i].Timestamp = now
}

// Merge folds a peer's snapshot into the list. An existing entry takes the
// incoming heartbeat only if that heartbeat is higher and the incoming
// timestamp is not older; an unknown entry is admitted only while the
// detector still considers it admissible. Accepted entries are stamped
// with now. Merging the same snapshot twice changes nothing the second
// time.
func (l *MemberList) Merge(incoming []Entry, now int64, rules MergeRules) MergeResult {
	var res MergeResult

	for _, e := range incoming {
		if err := rules.Limits.Check(e); err != nil {
			res.Rejected++
			continue
		}
		if e.ID == l.self.ID {
			continue
		}

		if i, ok := l.index[e.ID]; ok {
			local := &l.entries[i]
			if e.Timestamp >= local.Timestamp && e.Heartbeat > local.Heartbeat {
				local.Heartbeat = e.Heartbeat
				local.Timestamp = now
				res.Updated++
			}
			continue
		}

		if !rules.Detector.Admissible(e.Timestamp, now) {
			continue
		}

		admitted := Entry{ID: e.ID, Port: e.Port, Heartbeat: e.Heartbeat, Timestamp: now}
		l.add(admitted)
		res.Admitted = append(res.Admitted, admitted)
	}

	return res
}

// Evict removes every peer entry the detector reports as expired and
// returns them in table order. The owner's entry is never evicted.
func (l *MemberList) Evict(now int64, d FailureDetector) []Entry {
	var evicted []Entry

	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.ID != l.self.ID && d.Expired(e.Timestamp, now) {
			evicted = append(evicted, e)
			continue
		}
		kept = append(kept, e)
	}

	if len(evicted) == 0 {
		return nil
	}

	clear(l.entries[len(kept):])
	l.entries = kept
	l.reindex()
	return evicted
}

func (l *MemberList) reindex() {
	clear(l.index)
	for i, e := range l.entries {
		l.index[e.ID] = i
	}
}
