package presence

import (
	"sort"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Map is the local replica of a channel's presence member set, keyed by
// member key. It is not safe for concurrent use; the owning channel
// serializes access.
type Map struct {
	members map[string]*protocol.PresenceMessage
	// residual holds the member keys known before the current SYNC began
	// that have not been seen since. Only non-nil while a SYNC is in progress.
	residual       map[string]struct{}
	syncInProgress bool
	syncComplete   bool
	syncCallbacks  []func()
	now            func() time.Time
	logger         *logrus.Logger
}

type MapParams struct {
	// Now supplies timestamps for synthesized leaves. Defaults to time.Now.
	Now func() time.Time
}

func NewMap(params *MapParams, logger *logrus.Logger) *Map {
	now := time.Now
	if params != nil && params.Now != nil {
		now = params.Now
	}
	return &Map{
		members: map[string]*protocol.PresenceMessage{},
		now:     now,
		logger:  logger,
	}
}

// ListParams filters the result of List.
type ListParams struct {
	ClientID     string
	ConnectionID string
}

// Get returns the stored entry for a member key, including entries marked
// absent during a SYNC.
func (m *Map) Get(memberKey string) (*protocol.PresenceMessage, bool) {
	member, ok := m.members[memberKey]
	return member, ok
}

// Put records an ENTER, UPDATE or PRESENT. It returns false when the map
// already holds a newer message for the member.
func (m *Map) Put(msg *protocol.PresenceMessage) (bool, error) {
	stored := msg.Clone()
	switch stored.Action {
	case protocol.PresenceEnter, protocol.PresenceUpdate, protocol.PresencePresent:
		stored.Action = protocol.PresencePresent
	default:
		return false, protocol.NewErrorInfo(
			protocol.CodeBadRequest, "cannot put presence message with action %s", msg.Action,
		)
	}

	key := stored.MemberKey()
	if m.syncInProgress {
		delete(m.residual, key)
	}

	existing, ok := m.members[key]
	if ok {
		newer, err := IsNewer(stored, existing)
		if err != nil {
			return false, err
		}
		if !newer {
			return false, nil
		}
	}

	m.members[key] = stored
	return true, nil
}

// Remove applies a LEAVE. During a SYNC the entry is kept and marked absent
// so that stale messages later in the SYNC cannot resurrect it. It returns
// true when a previously known member was removed.
func (m *Map) Remove(msg *protocol.PresenceMessage) (bool, error) {
	key := msg.MemberKey()
	existing, ok := m.members[key]
	if ok {
		newer, err := IsNewer(msg, existing)
		if err != nil {
			return false, err
		}
		if !newer {
			return false, nil
		}
	}

	if m.syncInProgress {
		delete(m.residual, key)
		absent := msg.Clone()
		absent.Action = protocol.PresenceAbsent
		m.members[key] = absent
	} else {
		delete(m.members, key)
	}
	return ok && existing.Action != protocol.PresenceAbsent, nil
}

// Values returns every member currently present, ordered by member key.
func (m *Map) Values() []*protocol.PresenceMessage {
	return m.List(ListParams{})
}

// List returns present members matching params, ordered by member key.
func (m *Map) List(params ListParams) []*protocol.PresenceMessage {
	members := []*protocol.PresenceMessage{}
	for _, member := range m.members {
		if member.Action == protocol.PresenceAbsent {
			continue
		}
		if params.ClientID != "" && member.ClientID != params.ClientID {
			continue
		}
		if params.ConnectionID != "" && member.ConnectionID != params.ConnectionID {
			continue
		}
		members = append(members, member.Clone())
	}
	sortByMemberKey(members)
	return members
}

// Len counts present members.
func (m *Map) Len() int {
	count := 0
	for _, member := range m.members {
		if member.Action != protocol.PresenceAbsent {
			count += 1
		}
	}
	return count
}

// StartSync snapshots the current member keys as the residual set. Calling it
// while a SYNC is already in progress leaves the snapshot untouched.
func (m *Map) StartSync() {
	if m.syncInProgress {
		return
	}
	m.residual = make(map[string]struct{}, len(m.members))
	for key := range m.members {
		m.residual[key] = struct{}{}
	}
	m.syncInProgress = true
	m.syncComplete = false
	m.logger.Debug("presence sync started, residual members: ", len(m.residual))
}

// EndSync finishes the SYNC and returns synthesized LEAVE messages for the
// members marked absent during it and the members never re-confirmed by it.
// Both groups are deleted from the map. Registered sync callbacks fire once.
func (m *Map) EndSync() []*protocol.PresenceMessage {
	leaves := []*protocol.PresenceMessage{}
	if m.syncInProgress {
		timestamp := m.now().UnixMilli()
		for key, member := range m.members {
			if member.Action == protocol.PresenceAbsent {
				leaves = append(leaves, synthesizeLeave(member, timestamp))
				delete(m.members, key)
			}
		}
		for key := range m.residual {
			member, ok := m.members[key]
			if !ok {
				continue
			}
			leaves = append(leaves, synthesizeLeave(member, timestamp))
			delete(m.members, key)
		}
		sortByMemberKey(leaves)
		m.logger.Debug("presence sync ended, synthesized leaves: ", len(leaves))
	}

	m.residual = nil
	m.syncInProgress = false
	m.syncComplete = true

	callbacks := m.syncCallbacks
	m.syncCallbacks = nil
	for _, callback := range callbacks {
		callback()
	}
	return leaves
}

// SyncInProgress reports whether a SYNC has started and not yet ended.
func (m *Map) SyncInProgress() bool {
	return m.syncInProgress
}

// SyncComplete reports whether the map reflects a finished SYNC.
func (m *Map) SyncComplete() bool {
	return m.syncComplete
}

// OnSyncComplete registers a callback fired by the next EndSync. When the
// map is already in sync the callback fires immediately.
func (m *Map) OnSyncComplete(callback func()) {
	if m.syncComplete && !m.syncInProgress {
		callback()
		return
	}
	m.syncCallbacks = append(m.syncCallbacks, callback)
}

// InvalidateSync keeps the members but marks the map as needing a new SYNC.
func (m *Map) InvalidateSync() {
	m.syncComplete = false
}

// Clear drops all members, any SYNC in progress and pending sync callbacks.
// It returns the members that were present.
func (m *Map) Clear() []*protocol.PresenceMessage {
	present := m.Values()
	m.members = map[string]*protocol.PresenceMessage{}
	m.residual = nil
	m.syncInProgress = false
	m.syncComplete = false
	m.syncCallbacks = nil
	return present
}

// Reset empties the map for a channel that has no members, such as one
// attached without HAS_PRESENCE. Every known member, including those marked
// absent during a SYNC, is returned as a synthesized LEAVE. Any SYNC in
// progress is abandoned, the map counts as in sync and pending sync
// callbacks fire.
func (m *Map) Reset() []*protocol.PresenceMessage {
	timestamp := m.now().UnixMilli()
	leaves := make([]*protocol.PresenceMessage, 0, len(m.members))
	for _, member := range m.members {
		leaves = append(leaves, synthesizeLeave(member, timestamp))
	}
	sortByMemberKey(leaves)

	m.members = map[string]*protocol.PresenceMessage{}
	m.residual = nil
	m.syncInProgress = false
	m.syncComplete = true

	callbacks := m.syncCallbacks
	m.syncCallbacks = nil
	for _, callback := range callbacks {
		callback()
	}
	return leaves
}

func synthesizeLeave(member *protocol.PresenceMessage, timestamp int64) *protocol.PresenceMessage {
	leave := member.Clone()
	leave.Action = protocol.PresenceLeave
	leave.ID = ""
	leave.Timestamp = timestamp
	return leave
}

func sortByMemberKey(members []*protocol.PresenceMessage) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].MemberKey() < members[j].MemberKey()
	})
}
