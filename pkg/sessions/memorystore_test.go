package sessions

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func createStore() (SessionStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore(&InMemoryStoreParams{
		ExpireAfterIdleTime: 30 * time.Second,
		Now:                 clock.Now,
	}, createLogger())
	return store, clock
}

func Test_create_issues_connection_id_and_key(t *testing.T) {
	store, _ := createStore()

	session, err := store.Create("alice")
	require.NoError(t, err)
	assert.Len(t, session.ConnectionID, 12)
	assert.True(t, strings.HasPrefix(session.ConnectionKey, session.ConnectionID+"!"))
	assert.Equal(t, "alice", session.ClientID)
	assert.Equal(t, int64(0), session.NextSerial)

	other, err := store.Create("alice")
	require.NoError(t, err)
	assert.NotEqual(t, session.ConnectionID, other.ConnectionID)
}

func Test_resume_finds_session_by_key(t *testing.T) {
	store, clock := createStore()
	session, err := store.Create("")
	require.NoError(t, err)

	require.NoError(t, store.SetActive(session.ConnectionID, false))
	clock.Advance(20 * time.Second)

	resumed, err := store.Resume(session.ConnectionKey)
	require.NoError(t, err)
	assert.Equal(t, session.ConnectionID, resumed.ConnectionID)

	_, err = store.Resume("unknown!key")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func Test_ack_detects_duplicate_serials(t *testing.T) {
	store, _ := createStore()
	session, err := store.Create("")
	require.NoError(t, err)

	for serial := int64(0); serial < 3; serial += 1 {
		duplicate, err := store.Ack(session.ConnectionID, serial)
		require.NoError(t, err)
		assert.False(t, duplicate)
	}

	duplicate, err := store.Ack(session.ConnectionID, 1)
	require.NoError(t, err)
	assert.True(t, duplicate)

	state, err := store.Get(session.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.NextSerial)

	_, err = store.Ack("missing", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func Test_active_sessions_never_expire(t *testing.T) {
	store, clock := createStore()
	session, err := store.Create("")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Empty(t, store.ExpireIdle())

	_, err = store.Get(session.ConnectionID)
	assert.NoError(t, err)
}

func Test_idle_sessions_expire_once(t *testing.T) {
	store, clock := createStore()
	first, err := store.Create("")
	require.NoError(t, err)
	second, err := store.Create("")
	require.NoError(t, err)

	require.NoError(t, store.SetActive(first.ConnectionID, false))
	require.NoError(t, store.SetActive(second.ConnectionID, false))
	clock.Advance(31 * time.Second)

	_, err = store.Resume(first.ConnectionKey)
	assert.ErrorIs(t, err, ErrSessionExpired)

	expired := store.ExpireIdle()
	require.Len(t, expired, 2)
	assert.ElementsMatch(t,
		[]string{first.ConnectionID, second.ConnectionID},
		[]string{expired[0].ConnectionID, expired[1].ConnectionID},
	)
	assert.Empty(t, store.ExpireIdle())

	_, err = store.Resume(second.ConnectionKey)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(second.ConnectionID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func Test_release_discards_session(t *testing.T) {
	store, _ := createStore()
	session, err := store.Create("")
	require.NoError(t, err)

	require.NoError(t, store.Release(session.ConnectionID))
	_, err = store.Get(session.ConnectionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Resume(session.ConnectionKey)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Release(session.ConnectionID), ErrSessionNotFound)
}

func createLogger() *logrus.Logger {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(customFormatter)
	return logger
}
