package presence

import (
	"strconv"
	"strings"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
)

// ID is a parsed presence message id of the form connectionId:msgSerial:index.
type ID struct {
	ConnectionID string
	MsgSerial    int64
	Index        int64
}

// ParseID parses a presence message id.
func ParseID(id string) (ID, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return ID{}, protocol.NewErrorInfo(
			protocol.CodeBadRequest,
			"presence message id %q must have three segments, found %d", id, len(parts),
		)
	}
	msgSerial, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, protocol.NewErrorInfo(protocol.CodeBadRequest, "presence message id %q has a non-numeric msgSerial", id)
	}
	index, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ID{}, protocol.NewErrorInfo(protocol.CodeBadRequest, "presence message id %q has a non-numeric index", id)
	}
	return ID{ConnectionID: parts[0], MsgSerial: msgSerial, Index: index}, nil
}

// IsSynthesized reports whether msg was fabricated to stand in for an
// implied event, which shows as an id not prefixed by its own connection id.
func IsSynthesized(msg *protocol.PresenceMessage) bool {
	prefix, _, _ := strings.Cut(msg.ID, ":")
	return prefix != msg.ConnectionID
}

// IsNewer reports whether incoming supersedes existing for the same member.
// Synthesized messages compare by timestamp with ties going to incoming;
// everything else compares msgSerial then index, strictly.
func IsNewer(incoming, existing *protocol.PresenceMessage) (bool, error) {
	if IsSynthesized(incoming) || IsSynthesized(existing) {
		return incoming.Timestamp >= existing.Timestamp, nil
	}

	incomingID, err := ParseID(incoming.ID)
	if err != nil {
		return false, err
	}
	existingID, err := ParseID(existing.ID)
	if err != nil {
		return false, err
	}

	if incomingID.MsgSerial != existingID.MsgSerial {
		return incomingID.MsgSerial > existingID.MsgSerial, nil
	}
	return incomingID.Index > existingID.Index, nil
}
