package realtime

import (
	"errors"
	"io"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/auth"
	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/fr3shw3b/realtime-client/pkg/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRealtimeHost             = "localhost"
	DefaultPort                     = 3000
	DefaultProtocolVersion          = "2"
	DefaultDisconnectedRetryTimeout = 15 * time.Second
	DefaultSuspendedRetryTimeout    = 30 * time.Second
	DefaultChannelRetryTimeout      = 15 * time.Second
	DefaultRealtimeRequestTimeout   = 10 * time.Second
	DefaultConnectionStateTTL       = 120 * time.Second
)

type ClientOptions struct {
	// Key is an API key of the form keyName:keySecret.
	Key string
	// Token is a pre-issued access token, used when Key is empty.
	Token string
	// AuthProvider overrides Key and Token.
	AuthProvider auth.Provider
	ClientID     string

	RealtimeHost  string
	FallbackHosts []string
	Port          int
	TLS           bool

	ProtocolVersion string
	// Recover is a recovery key from Connection.RecoveryKey of a previous client.
	Recover string

	NoQueueing    bool
	NoEcho        bool
	NoAutoConnect bool

	DisconnectedRetryTimeout time.Duration
	SuspendedRetryTimeout    time.Duration
	ChannelRetryTimeout      time.Duration
	RealtimeRequestTimeout   time.Duration
	// ConnectionStateTTL is replaced by the value from the server once connected.
	ConnectionStateTTL time.Duration

	Dialer transport.Dialer
	// Now is the clock used for timestamps of synthesized presence messages.
	Now func() time.Time
}

func (o *ClientOptions) applyDefaults(logger *logrus.Logger) {
	if o.RealtimeHost == "" {
		o.RealtimeHost = DefaultRealtimeHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.DisconnectedRetryTimeout == 0 {
		o.DisconnectedRetryTimeout = DefaultDisconnectedRetryTimeout
	}
	if o.SuspendedRetryTimeout == 0 {
		o.SuspendedRetryTimeout = DefaultSuspendedRetryTimeout
	}
	if o.ChannelRetryTimeout == 0 {
		o.ChannelRetryTimeout = DefaultChannelRetryTimeout
	}
	if o.RealtimeRequestTimeout == 0 {
		o.RealtimeRequestTimeout = DefaultRealtimeRequestTimeout
	}
	if o.ConnectionStateTTL == 0 {
		o.ConnectionStateTTL = DefaultConnectionStateTTL
	}
	if o.Dialer == nil {
		o.Dialer = transport.NewWebSocketDialer(&transport.WebSocketParams{
			HandshakeTimeout: o.RealtimeRequestTimeout,
		}, logger)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *ClientOptions) authProvider() (auth.Provider, error) {
	switch {
	case o.AuthProvider != nil:
		return o.AuthProvider, nil
	case o.Key != "":
		return auth.NewKeyProvider(o.Key)
	case o.Token != "":
		return auth.NewTokenProvider(o.Token, o.Now), nil
	default:
		return nil, protocol.NewErrorInfo(protocol.CodeForbidden, "no means provided to authenticate: set Key, Token or AuthProvider")
	}
}

func (o *ClientOptions) validate() error {
	if o.ClientID == "*" {
		return protocol.NewErrorInfo(protocol.CodeInvalidClientID, "the wildcard client id cannot be used by a realtime client")
	}
	if o.RealtimeRequestTimeout < 0 || o.DisconnectedRetryTimeout < 0 || o.SuspendedRetryTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ChannelOptions configures a channel. Changing Params or Modes on an
// attached channel causes a re-attach.
type ChannelOptions struct {
	Params map[string]string
	Modes  []protocol.ChannelMode
	// Cipher is passed through untouched; message encryption happens in the codec layer.
	Cipher interface{}
}

func (o *ChannelOptions) validate() error {
	if o == nil {
		return nil
	}
	for _, mode := range o.Modes {
		if _, ok := protocol.ModeFlag(mode); !ok {
			return protocol.NewErrorInfo(protocol.CodeBadRequest, "unknown channel mode %q", mode)
		}
	}
	return nil
}

func (o *ChannelOptions) flags() protocol.Flag {
	var flags protocol.Flag
	if o == nil {
		return flags
	}
	for _, mode := range o.Modes {
		flag, _ := protocol.ModeFlag(mode)
		flags |= flag
	}
	return flags
}

func (o *ChannelOptions) attachAffecting(other *ChannelOptions) bool {
	if o.flags() != other.flags() {
		return true
	}
	var a, b map[string]string
	if o != nil {
		a = o.Params
	}
	if other != nil {
		b = other.Params
	}
	if len(a) != len(b) {
		return true
	}
	for key, value := range a {
		if otherValue, ok := b[key]; !ok || otherValue != value {
			return true
		}
	}
	return false
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
