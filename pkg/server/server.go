package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/fr3shw3b/realtime-client/pkg/sessions"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	ProtocolVersion       = "2"
	DefaultSyncPageSize   = 100
	DefaultMaxMessageSize = 65536
	writeTimeout          = 1 * time.Second
)

type ServerParams struct {
	// ConnectionStateTTL is advertised to clients and is how long a session
	// survives without a transport.
	ConnectionStateTTL time.Duration
	// SyncPageSize is the number of members sent per SYNC frame.
	SyncPageSize int
	// Keys maps key names to secrets. When empty any well-formed key is accepted.
	Keys map[string]string
	// TokenSecret verifies HMAC-signed JWT access tokens. When empty any
	// token is accepted.
	TokenSecret []byte
	ServerID    string
	Now         func() time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// No need for strict CORS checking for a local router.
		return true
	},
}

// Server is a local realtime router speaking the client protocol over
// websockets. It keeps presence per channel and routes messages between
// the connections attached to a channel.
type Server struct {
	params *ServerParams
	store  sessions.SessionStore
	logger *logrus.Logger

	mu          sync.Mutex
	connections map[string]*liveConnection
	channels    map[string]*channelState
}

type liveConnection struct {
	id       string
	key      string
	clientID string
	echo     bool
	conn     *websocket.Conn
	closed   bool
	writeMu  sync.Mutex
}

type channelState struct {
	name string
	// subscribers maps attached connection ids to their granted mode flags.
	subscribers  map[string]protocol.Flag
	members      map[string]*protocol.PresenceMessage
	serial       int64
	syncSequence int64
}

func NewDefaultServer(params *ServerParams, store sessions.SessionStore, logger *logrus.Logger) *Server {
	if params.SyncPageSize <= 0 {
		params.SyncPageSize = DefaultSyncPageSize
	}
	if params.ConnectionStateTTL == 0 {
		params.ConnectionStateTTL = 2 * time.Minute
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Server{
		params:      params,
		store:       store,
		logger:      logger,
		connections: map[string]*liveConnection{},
		channels:    map[string]*channelState{},
	}
}

// RegisterRoutes mounts the websocket endpoint and the presence listing.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/channels/{channel}/presence", s.ServePresence).Methods(http.MethodGet)
	router.Handle("/", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websockets upgrade error: ", err)
		return
	}
	defer conn.Close()

	query := r.URL.Query()
	if version := query.Get("v"); version != "" && version != ProtocolVersion {
		s.refuse(conn, protocol.NewErrorInfo(protocol.CodeBadRequest, "unsupported protocol version %q", version))
		return
	}
	if reason := s.authenticate(r); reason != nil {
		s.refuse(conn, reason)
		return
	}

	lc, connected := s.open(conn, query)
	if lc == nil {
		return
	}
	if err := lc.send(connected); err != nil {
		s.logger.Error("failed to send CONNECTED: ", err)
		s.onTransportClosed(lc)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("read error: ", err)
			break
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame from ", lc.id, ": ", err)
			continue
		}
		if done := s.handleMessage(lc, msg); done {
			break
		}
	}
	s.onTransportClosed(lc)
}

func (s *Server) refuse(conn *websocket.Conn, reason *protocol.ErrorInfo) {
	s.logger.Info("refusing connection: ", reason)
	data, err := protocol.Encode(&protocol.ProtocolMessage{Action: protocol.ActionError, Error: reason})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.Message),
		time.Now().Add(writeTimeout),
	)
}

func (s *Server) authenticate(r *http.Request) *protocol.ErrorInfo {
	query := r.URL.Query()
	key := query.Get("key")
	token := query.Get("access_token")
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, encoded, _ := strings.Cut(header, " ")
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return protocol.NewErrorInfo(protocol.CodeUnauthorized, "malformed authorization header")
		}
		switch strings.ToLower(scheme) {
		case "basic":
			key = string(decoded)
		case "bearer":
			token = string(decoded)
		}
	}

	switch {
	case key != "":
		return s.checkKey(key)
	case token != "":
		return s.checkToken(token)
	default:
		return protocol.NewErrorInfo(protocol.CodeUnauthorized, "no key or access token provided")
	}
}

func (s *Server) checkKey(key string) *protocol.ErrorInfo {
	name, secret, ok := strings.Cut(key, ":")
	if !ok || name == "" || secret == "" {
		return protocol.NewErrorInfo(protocol.CodeUnauthorized, "malformed key")
	}
	if len(s.params.Keys) == 0 {
		return nil
	}
	if expected, exists := s.params.Keys[name]; !exists || expected != secret {
		return protocol.NewErrorInfo(protocol.CodeUnauthorized, "invalid key %q", name)
	}
	return nil
}

func (s *Server) checkToken(token string) *protocol.ErrorInfo {
	if len(s.params.TokenSecret) == 0 {
		return nil
	}
	_, err := jwt.Parse(
		token,
		func(t *jwt.Token) (interface{}, error) { return s.params.TokenSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.params.Now),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return protocol.NewErrorInfo(protocol.CodeTokenExpired, "token expired")
	default:
		return protocol.NewErrorInfo(protocol.CodeUnauthorized, "invalid token: %s", err)
	}
}

// open creates or resumes the session for a new transport and builds the
// CONNECTED frame to send on it.
func (s *Server) open(conn *websocket.Conn, query url.Values) (*liveConnection, *protocol.ProtocolMessage) {
	clientID := query.Get("clientId")
	resumeKey := query.Get("resume")
	if resumeKey == "" {
		resumeKey = query.Get("recover")
	}

	var (
		session sessions.SessionState
		reason  *protocol.ErrorInfo
		err     error
	)
	if resumeKey != "" {
		session, err = s.store.Resume(resumeKey)
		if err != nil {
			reason = protocol.NewErrorInfo(protocol.CodeUnableToRecover, "unable to resume connection: %s", err)
		}
	}
	if resumeKey == "" || err != nil {
		session, err = s.store.Create(clientID)
		if err != nil {
			s.refuse(conn, protocol.WrapError(protocol.CodeInternal, err))
			return nil, nil
		}
	}
	if session.ClientID != "" {
		clientID = session.ClientID
	}

	lc := &liveConnection{
		id:       session.ConnectionID,
		key:      session.ConnectionKey,
		clientID: clientID,
		echo:     query.Get("echo") != "false",
		conn:     conn,
	}

	s.mu.Lock()
	previous := s.connections[lc.id]
	s.connections[lc.id] = lc
	s.mu.Unlock()
	if previous != nil {
		s.logger.Info("connection ", lc.id, " taken over by a new transport")
		previous.conn.Close()
	}

	s.logger.WithFields(logrus.Fields{
		"connectionId": lc.id,
		"clientId":     clientID,
		"resumed":      reason == nil && resumeKey != "",
	}).Info("connection opened")

	return lc, &protocol.ProtocolMessage{
		Action:       protocol.ActionConnected,
		ConnectionID: lc.id,
		Error:        reason,
		ConnectionDetails: &protocol.ConnectionDetails{
			ClientID:           clientID,
			ConnectionKey:      lc.key,
			ConnectionStateTTL: s.params.ConnectionStateTTL.Milliseconds(),
			MaxMessageSize:     DefaultMaxMessageSize,
			ServerID:           s.params.ServerID,
		},
	}
}

func (s *Server) onTransportClosed(lc *liveConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[lc.id] != lc {
		return
	}
	delete(s.connections, lc.id)
	if lc.closed {
		return
	}
	if err := s.store.SetActive(lc.id, false); err != nil {
		s.logger.Debug("unable to mark session inactive: ", err)
	}
}

// handleMessage processes one frame from a client. It reports whether the
// connection has been closed by the client.
func (s *Server) handleMessage(lc *liveConnection, msg *protocol.ProtocolMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Action {
	case protocol.ActionHeartbeat:
		lc.send(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat, ID: msg.ID})
	case protocol.ActionAttach:
		s.attach(lc, msg)
	case protocol.ActionDetach:
		s.detach(lc, msg.Channel)
	case protocol.ActionMessage:
		s.publish(lc, msg)
	case protocol.ActionPresence:
		s.presence(lc, msg)
	case protocol.ActionClose:
		lc.closed = true
		s.purgeConnection(lc.id)
		if err := s.store.Release(lc.id); err != nil {
			s.logger.Debug("unable to release session: ", err)
		}
		lc.send(&protocol.ProtocolMessage{Action: protocol.ActionClosed})
		s.logger.WithField("connectionId", lc.id).Info("connection closed by client")
		return true
	default:
		s.logger.Warn("ignoring ", msg.Action, " from ", lc.id)
	}
	return false
}

func (s *Server) channel(name string) *channelState {
	ch, ok := s.channels[name]
	if !ok {
		ch = &channelState{
			name:        name,
			subscribers: map[string]protocol.Flag{},
			members:     map[string]*protocol.PresenceMessage{},
		}
		s.channels[name] = ch
	}
	return ch
}

const allModes = protocol.FlagPresence | protocol.FlagPublish | protocol.FlagSubscribe | protocol.FlagPresenceSubscribe

func (s *Server) attach(lc *liveConnection, msg *protocol.ProtocolMessage) {
	ch := s.channel(msg.Channel)
	granted := msg.Flags & allModes
	if granted == 0 {
		granted = allModes
	}
	_, alreadyAttached := ch.subscribers[lc.id]
	ch.subscribers[lc.id] = granted

	flags := granted
	if alreadyAttached {
		flags |= protocol.FlagResumed
	}
	hasPresence := len(ch.members) > 0
	if hasPresence {
		flags |= protocol.FlagHasPresence
	}
	lc.send(&protocol.ProtocolMessage{
		Action:        protocol.ActionAttached,
		Channel:       ch.name,
		Flags:         flags,
		ChannelSerial: strconv.FormatInt(ch.serial, 10),
	})
	if hasPresence {
		s.sync(lc, ch)
	}
}

// sync sends the channel's members in pages. Every page but the last
// carries a non-empty cursor.
func (s *Server) sync(lc *liveConnection, ch *channelState) {
	ch.syncSequence += 1
	members := sortedMembers(ch.members)
	pageSize := s.params.SyncPageSize
	for start := 0; start < len(members); start += pageSize {
		end := start + pageSize
		cursor := ""
		if end < len(members) {
			cursor = strconv.Itoa(end)
		} else {
			end = len(members)
		}
		lc.send(&protocol.ProtocolMessage{
			Action:        protocol.ActionSync,
			Channel:       ch.name,
			ChannelSerial: fmt.Sprintf("%d:%s", ch.syncSequence, cursor),
			Presence:      members[start:end],
		})
	}
}

func (s *Server) detach(lc *liveConnection, name string) {
	if ch, ok := s.channels[name]; ok {
		delete(ch.subscribers, lc.id)
		s.leaveChannel(ch, lc.id)
	}
	lc.send(&protocol.ProtocolMessage{Action: protocol.ActionDetached, Channel: name})
}

func (s *Server) publish(lc *liveConnection, msg *protocol.ProtocolMessage) {
	for _, m := range msg.Messages {
		if m.ClientID != "" && lc.clientID != "" && m.ClientID != lc.clientID {
			s.nack(lc, msg, protocol.NewErrorInfo(protocol.CodeInvalidClientID, "mismatched client id %q", m.ClientID))
			return
		}
	}
	duplicate, err := s.store.Ack(lc.id, msg.MsgSerial)
	if err != nil {
		s.nack(lc, msg, protocol.WrapError(protocol.CodeInternal, err))
		return
	}
	if duplicate {
		s.ack(lc, msg)
		return
	}

	ch := s.channel(msg.Channel)
	ch.serial += 1
	now := s.params.Now().UnixMilli()
	envelopeID := lc.id + ":" + strconv.FormatInt(msg.MsgSerial, 10)
	messages := make([]*protocol.Message, 0, len(msg.Messages))
	for i, m := range msg.Messages {
		routed := *m
		routed.ID = envelopeID + ":" + strconv.Itoa(i)
		routed.ConnectionID = lc.id
		routed.Timestamp = now
		if routed.ClientID == "" {
			routed.ClientID = lc.clientID
		}
		messages = append(messages, &routed)
	}
	s.broadcast(ch, protocol.FlagSubscribe, lc, &protocol.ProtocolMessage{
		Action:        protocol.ActionMessage,
		Channel:       ch.name,
		ID:            envelopeID,
		ConnectionID:  lc.id,
		Timestamp:     now,
		ChannelSerial: strconv.FormatInt(ch.serial, 10),
		Messages:      messages,
	})
	s.ack(lc, msg)
}

func (s *Server) presence(lc *liveConnection, msg *protocol.ProtocolMessage) {
	ch, ok := s.channels[msg.Channel]
	if !ok {
		s.nack(lc, msg, protocol.NewErrorInfo(protocol.CodeChannelInvalidState, "channel %q is not attached", msg.Channel))
		return
	}
	if _, attached := ch.subscribers[lc.id]; !attached {
		s.nack(lc, msg, protocol.NewErrorInfo(protocol.CodeChannelInvalidState, "channel %q is not attached", msg.Channel))
		return
	}
	for _, pm := range msg.Presence {
		if pm.ClientID == "" || (lc.clientID != "" && pm.ClientID != lc.clientID) {
			s.nack(lc, msg, protocol.NewErrorInfo(protocol.CodeInvalidClientID, "invalid presence client id %q", pm.ClientID))
			return
		}
	}
	duplicate, err := s.store.Ack(lc.id, msg.MsgSerial)
	if err != nil {
		s.nack(lc, msg, protocol.WrapError(protocol.CodeInternal, err))
		return
	}
	if duplicate {
		s.ack(lc, msg)
		return
	}

	now := s.params.Now().UnixMilli()
	envelopeID := lc.id + ":" + strconv.FormatInt(msg.MsgSerial, 10)
	routed := make([]*protocol.PresenceMessage, 0, len(msg.Presence))
	for i, pm := range msg.Presence {
		member := pm.Clone()
		member.ID = envelopeID + ":" + strconv.Itoa(i)
		member.ConnectionID = lc.id
		member.Timestamp = now
		switch member.Action {
		case protocol.PresenceEnter, protocol.PresenceUpdate, protocol.PresencePresent:
			stored := member.Clone()
			stored.Action = protocol.PresencePresent
			ch.members[stored.MemberKey()] = stored
		case protocol.PresenceLeave:
			delete(ch.members, member.MemberKey())
		}
		routed = append(routed, member)
	}
	s.broadcast(ch, protocol.FlagPresenceSubscribe, nil, &protocol.ProtocolMessage{
		Action:       protocol.ActionPresence,
		Channel:      ch.name,
		ID:           envelopeID,
		ConnectionID: lc.id,
		Timestamp:    now,
		Presence:     routed,
	})
	s.ack(lc, msg)
}

func (s *Server) ack(lc *liveConnection, msg *protocol.ProtocolMessage) {
	lc.send(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: msg.MsgSerial, Count: 1})
}

func (s *Server) nack(lc *liveConnection, msg *protocol.ProtocolMessage, reason *protocol.ErrorInfo) {
	s.logger.WithField("connectionId", lc.id).Info("rejecting ", msg.Action, ": ", reason)
	lc.send(&protocol.ProtocolMessage{Action: protocol.ActionNack, MsgSerial: msg.MsgSerial, Count: 1, Error: reason})
}

// broadcast sends msg to every live subscriber granted mode. The origin
// connection is skipped when it has echo disabled.
func (s *Server) broadcast(ch *channelState, mode protocol.Flag, origin *liveConnection, msg *protocol.ProtocolMessage) {
	ids := make([]string, 0, len(ch.subscribers))
	for id, granted := range ch.subscribers {
		if granted.Has(mode) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if origin != nil && id == origin.id && !origin.echo {
			continue
		}
		target, live := s.connections[id]
		if !live {
			continue
		}
		if err := target.send(msg); err != nil {
			s.logger.Debug("failed to deliver ", msg.Action, " to ", id, ": ", err)
		}
	}
}

// leaveChannel removes the members a connection holds on a channel and
// tells the remaining subscribers with synthesized LEAVE messages.
func (s *Server) leaveChannel(ch *channelState, connectionID string) {
	now := s.params.Now().UnixMilli()
	leaves := []*protocol.PresenceMessage{}
	for key, member := range ch.members {
		if member.ConnectionID != connectionID {
			continue
		}
		delete(ch.members, key)
		leave := member.Clone()
		leave.Action = protocol.PresenceLeave
		leave.ID = ""
		leave.Timestamp = now
		leaves = append(leaves, leave)
	}
	if len(leaves) == 0 {
		return
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].MemberKey() < leaves[j].MemberKey() })
	s.broadcast(ch, protocol.FlagPresenceSubscribe, nil, &protocol.ProtocolMessage{
		Action:    protocol.ActionPresence,
		Channel:   ch.name,
		Timestamp: now,
		Presence:  leaves,
	})
}

func (s *Server) purgeConnection(connectionID string) {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := s.channels[name]
		delete(ch.subscribers, connectionID)
		s.leaveChannel(ch, connectionID)
	}
}

// ExpireIdleSessions discards sessions that have been without a transport
// for longer than the connection state TTL, removing their presence.
func (s *Server) ExpireIdleSessions() int {
	expired := s.store.ExpireIdle()
	if len(expired) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range expired {
		s.logger.WithField("connectionId", session.ConnectionID).Info("session expired")
		s.purgeConnection(session.ConnectionID)
	}
	return len(expired)
}

// Start runs ExpireIdleSessions every interval until stop is closed.
func (s *Server) Start(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ExpireIdleSessions()
			case <-stop:
				return
			}
		}
	}()
}

// DropConnection closes the transport of a connection without a CLOSE
// exchange, as a network failure would. The session stays resumable.
func (s *Server) DropConnection(connectionID string) bool {
	s.mu.Lock()
	lc, ok := s.connections[connectionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	lc.conn.Close()
	return true
}

// Disconnect sends DISCONNECTED with reason and closes the transport.
func (s *Server) Disconnect(connectionID string, reason *protocol.ErrorInfo) bool {
	s.mu.Lock()
	lc, ok := s.connections[connectionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	lc.send(&protocol.ProtocolMessage{Action: protocol.ActionDisconnected, Error: reason})
	lc.conn.Close()
	return true
}

// Members returns the presence members of a channel ordered by member key.
func (s *Server) Members(channel string) []*protocol.PresenceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channel]
	if !ok {
		return []*protocol.PresenceMessage{}
	}
	return sortedMembers(ch.members)
}

// ServePresence lists the members of a channel as JSON.
func (s *Server) ServePresence(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	members := s.Members(channel)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(members); err != nil {
		s.logger.Error("failed to write presence response: ", err)
	}
}

func (lc *liveConnection) send(msg *protocol.ProtocolMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	lc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return lc.conn.WriteMessage(websocket.TextMessage, data)
}

func sortedMembers(members map[string]*protocol.PresenceMessage) []*protocol.PresenceMessage {
	sorted := make([]*protocol.PresenceMessage, 0, len(members))
	for _, member := range members {
		sorted = append(sorted, member.Clone())
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MemberKey() < sorted[j].MemberKey() })
	return sorted
}
