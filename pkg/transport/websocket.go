package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrDisposed is reported to OnClosed when the transport was disposed locally.
var ErrDisposed = errors.New("transport disposed")

type WebSocketParams struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type webSocketDialer struct {
	params *WebSocketParams
	logger *logrus.Logger
}

// NewWebSocketDialer creates a Dialer backed by gorilla/websocket.
func NewWebSocketDialer(params *WebSocketParams, logger *logrus.Logger) Dialer {
	if params == nil {
		params = &WebSocketParams{}
	}
	if params.HandshakeTimeout == 0 {
		params.HandshakeTimeout = 10 * time.Second
	}
	if params.WriteTimeout == 0 {
		params.WriteTimeout = 5 * time.Second
	}
	return &webSocketDialer{params: params, logger: logger}
}

func (d *webSocketDialer) Dial(
	ctx context.Context,
	rawURL string,
	header http.Header,
	listener Listener,
) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.params.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	t := &webSocketTransport{
		conn:     conn,
		listener: listener,
		params:   d.params,
		logger:   d.logger,
		done:     make(chan struct{}),
	}
	conn.SetCloseHandler(t.closeHandler)
	go t.readLoop()
	return t, nil
}

type webSocketTransport struct {
	conn     *websocket.Conn
	listener Listener
	params   *WebSocketParams
	logger   *logrus.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	disposed bool
	closeErr error
	done     chan struct{}
}

func (t *webSocketTransport) Send(msg *protocol.ProtocolMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	disposed := t.disposed
	t.mu.Unlock()
	if disposed {
		return ErrDisposed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.logger.Debug("websocket send: ", msg.Action, " channel: ", msg.Channel, " msgSerial: ", msg.MsgSerial)
	t.conn.SetWriteDeadline(time.Now().Add(t.params.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *webSocketTransport) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *webSocketTransport) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			disposed := t.disposed
			closeErr := t.closeErr
			t.mu.Unlock()

			switch {
			case disposed:
				err = ErrDisposed
			case closeErr != nil:
				err = closeErr
			}
			t.logger.Debug("websocket read loop finished: ", err)
			t.listener.OnClosed(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.Warn("dropping undecodable frame: ", err)
			continue
		}
		t.logger.Debug("websocket received: ", msg.Action, " channel: ", msg.Channel)
		t.listener.OnMessage(msg)
	}
}

func (t *webSocketTransport) closeHandler(code int, text string) error {
	t.mu.Lock()
	t.closeErr = &websocket.CloseError{Code: code, Text: text}
	t.mu.Unlock()

	message := websocket.FormatCloseMessage(code, "")
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return nil
}
