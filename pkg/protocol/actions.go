package protocol

import "strconv"

// Action identifies the kind of a protocol envelope.
type Action int

const (
	ActionHeartbeat    Action = 0
	ActionAck          Action = 1
	ActionNack         Action = 2
	ActionConnect      Action = 3
	ActionConnected    Action = 4
	ActionDisconnect   Action = 5
	ActionDisconnected Action = 6
	ActionClose        Action = 7
	ActionClosed       Action = 8
	ActionError        Action = 9
	ActionAttach       Action = 10
	ActionAttached     Action = 11
	ActionDetach       Action = 12
	ActionDetached     Action = 13
	ActionPresence     Action = 14
	ActionMessage      Action = 15
	ActionSync         Action = 16
	ActionAuth         Action = 17
	ActionActivate     Action = 18
	ActionObject       Action = 19
	ActionObjectSync   Action = 20
	ActionAnnotation   Action = 21
)

var actionNameMap = map[Action]string{
	ActionHeartbeat:    "HEARTBEAT",
	ActionAck:          "ACK",
	ActionNack:         "NACK",
	ActionConnect:      "CONNECT",
	ActionConnected:    "CONNECTED",
	ActionDisconnect:   "DISCONNECT",
	ActionDisconnected: "DISCONNECTED",
	ActionClose:        "CLOSE",
	ActionClosed:       "CLOSED",
	ActionError:        "ERROR",
	ActionAttach:       "ATTACH",
	ActionAttached:     "ATTACHED",
	ActionDetach:       "DETACH",
	ActionDetached:     "DETACHED",
	ActionPresence:     "PRESENCE",
	ActionMessage:      "MESSAGE",
	ActionSync:         "SYNC",
	ActionAuth:         "AUTH",
	ActionActivate:     "ACTIVATE",
	ActionObject:       "OBJECT",
	ActionObjectSync:   "OBJECT_SYNC",
	ActionAnnotation:   "ANNOTATION",
}

func (a Action) String() string {
	name, exists := actionNameMap[a]
	if exists {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
}

// AckRequired reports whether envelopes of this action carry a msgSerial
// and are answered with ACK or NACK.
func (a Action) AckRequired() bool {
	switch a {
	case ActionMessage, ActionPresence, ActionAnnotation, ActionObject:
		return true
	default:
		return false
	}
}

// PresenceAction is the action carried by a single presence message.
type PresenceAction int

const (
	PresenceAbsent  PresenceAction = 0
	PresencePresent PresenceAction = 1
	PresenceEnter   PresenceAction = 2
	PresenceLeave   PresenceAction = 3
	PresenceUpdate  PresenceAction = 4
)

func (a PresenceAction) String() string {
	switch a {
	case PresenceAbsent:
		return "absent"
	case PresencePresent:
		return "present"
	case PresenceEnter:
		return "enter"
	case PresenceLeave:
		return "leave"
	case PresenceUpdate:
		return "update"
	default:
		return "unknown(" + strconv.Itoa(int(a)) + ")"
	}
}

// Flag is the bitmask carried in the flags field of ATTACH and ATTACHED envelopes.
type Flag int64

const (
	FlagHasPresence       Flag = 1 << 0
	FlagHasBacklog        Flag = 1 << 1
	FlagResumed           Flag = 1 << 2
	FlagTransient         Flag = 1 << 4
	FlagAttachResume      Flag = 1 << 5
	FlagHasObjects        Flag = 1 << 7
	FlagPresence          Flag = 1 << 16
	FlagPublish           Flag = 1 << 17
	FlagSubscribe         Flag = 1 << 18
	FlagPresenceSubscribe Flag = 1 << 19
)

// Has reports whether every bit of other is set in f.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// ChannelMode is a channel capability requested on attach.
type ChannelMode string

const (
	ModePresence          ChannelMode = "PRESENCE"
	ModePublish           ChannelMode = "PUBLISH"
	ModeSubscribe         ChannelMode = "SUBSCRIBE"
	ModePresenceSubscribe ChannelMode = "PRESENCE_SUBSCRIBE"
)

var modeFlags = map[ChannelMode]Flag{
	ModePresence:          FlagPresence,
	ModePublish:           FlagPublish,
	ModeSubscribe:         FlagSubscribe,
	ModePresenceSubscribe: FlagPresenceSubscribe,
}

// ModeFlag returns the flag bit for a channel mode and whether the mode is known.
func ModeFlag(mode ChannelMode) (Flag, bool) {
	flag, ok := modeFlags[mode]
	return flag, ok
}

// ModesFromFlags lists the channel modes set in flags.
func ModesFromFlags(flags Flag) []ChannelMode {
	modes := []ChannelMode{}
	for _, mode := range []ChannelMode{ModePresence, ModePublish, ModeSubscribe, ModePresenceSubscribe} {
		if flags.Has(modeFlags[mode]) {
			modes = append(modes, mode)
		}
	}
	return modes
}
