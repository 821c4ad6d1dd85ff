package sessions

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type InMemoryStoreParams struct {
	ExpireAfterIdleTime time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewInMemoryStore(params *InMemoryStoreParams, logger *logrus.Logger) SessionStore {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &inMemoryStore{
		params:   params,
		now:      now,
		sessions: map[string]*internalSessionState{},
		keys:     map[string]string{},
		logger:   logger,
	}
}

type inMemoryStore struct {
	mu       sync.Mutex
	params   *InMemoryStoreParams
	now      func() time.Time
	sessions map[string]*internalSessionState
	// keys maps connection keys to connection ids.
	keys   map[string]string
	logger *logrus.Logger
}

type internalSessionState struct {
	connectionID  string
	connectionKey string
	clientID      string
	nextSerial    int64
	active        bool
	lastActive    time.Time
	// We hold an expired property as a soft delete so that a client
	// resuming after the expiry time is told its session is gone rather
	// than that it never existed.
	expired bool
	// reported is set once ExpireIdle has returned the session.
	reported bool
}

func (s *inMemoryStore) Create(clientID string) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connectionID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	session := &internalSessionState{
		connectionID:  connectionID,
		connectionKey: connectionID + "!" + uuid.NewString(),
		clientID:      clientID,
		active:        true,
		lastActive:    s.now(),
	}
	s.sessions[connectionID] = session
	s.keys[session.connectionKey] = connectionID
	s.logger.Debug("created session for connection ", connectionID)
	return session.snapshot(), nil
}

func (s *inMemoryStore) Resume(connectionKey string) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connectionID, ok := s.keys[connectionKey]
	if !ok {
		return SessionState{}, fmt.Errorf("%w: unknown connection key", ErrSessionNotFound)
	}
	session, err := s.loadExisting(connectionID)
	if err != nil {
		return SessionState{}, err
	}
	session.active = true
	session.lastActive = s.now()
	return session.snapshot(), nil
}

func (s *inMemoryStore) Get(connectionID string) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.loadExisting(connectionID)
	if err != nil {
		return SessionState{}, err
	}
	return session.snapshot(), nil
}

func (s *inMemoryStore) SetActive(connectionID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.loadExisting(connectionID)
	if err != nil {
		return err
	}
	session.active = active
	session.lastActive = s.now()
	return nil
}

func (s *inMemoryStore) Ack(connectionID string, msgSerial int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.loadExisting(connectionID)
	if err != nil {
		return false, err
	}
	session.lastActive = s.now()
	if msgSerial < session.nextSerial {
		s.logger.Debug("duplicate serial ", msgSerial, " for connection ", connectionID)
		return true, nil
	}
	session.nextSerial = msgSerial + 1
	return false, nil
}

func (s *inMemoryStore) Release(connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[connectionID]
	if !ok {
		return fmt.Errorf("%w (%s)", ErrSessionNotFound, connectionID)
	}
	delete(s.keys, session.connectionKey)
	delete(s.sessions, connectionID)
	return nil
}

func (s *inMemoryStore) ExpireIdle() []SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := []SessionState{}
	for connectionID, session := range s.sessions {
		if session.reported || !s.checkExpiredAndUpdateIfNeeded(session) {
			continue
		}
		session.reported = true
		expired = append(expired, session.snapshot())
		delete(s.keys, session.connectionKey)
		s.logger.Debug("expired idle session for connection ", connectionID)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ConnectionID < expired[j].ConnectionID })
	return expired
}

func (s *inMemoryStore) loadExisting(connectionID string) (*internalSessionState, error) {
	session := s.sessions[connectionID]
	if session == nil {
		return nil, fmt.Errorf("%w (%s)", ErrSessionNotFound, connectionID)
	}
	if s.checkExpiredAndUpdateIfNeeded(session) {
		return nil, fmt.Errorf("%w for connection (%s)", ErrSessionExpired, connectionID)
	}
	return session, nil
}

func (s *inMemoryStore) checkExpiredAndUpdateIfNeeded(session *internalSessionState) bool {
	if session.expired {
		return true
	}
	if session.active {
		return false
	}
	if session.lastActive.Add(s.params.ExpireAfterIdleTime).Before(s.now()) {
		s.logger.Debug("setting session to expired ", session.connectionID, " idle since ", session.lastActive)
		session.expired = true
	}
	return session.expired
}

func (session *internalSessionState) snapshot() SessionState {
	return SessionState{
		ConnectionID:  session.connectionID,
		ConnectionKey: session.connectionKey,
		ClientID:      session.clientID,
		NextSerial:    session.nextSerial,
	}
}
