package presence

import (
	"testing"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parse_id_reads_three_segments(t *testing.T) {
	id, err := ParseID("conn:12:3")
	require.NoError(t, err)
	assert.Equal(t, ID{ConnectionID: "conn", MsgSerial: 12, Index: 3}, id)

	for _, malformed := range []string{"", "conn:12", "conn:x:3", "conn:12:y", "a:1:2:3"} {
		_, err := ParseID(malformed)
		assert.Equal(t, protocol.CodeBadRequest, protocol.Code(err), "id %q", malformed)
	}
}

func Test_newer_compares_serial_then_index(t *testing.T) {
	existing := &protocol.PresenceMessage{ID: "c1:5:2", ConnectionID: "c1"}

	cases := []struct {
		id    string
		newer bool
	}{
		{"c1:6:0", true},
		{"c1:4:9", false},
		{"c1:5:3", true},
		{"c1:5:2", false},
		{"c1:5:1", false},
	}
	for _, c := range cases {
		newer, err := IsNewer(&protocol.PresenceMessage{ID: c.id, ConnectionID: "c1"}, existing)
		require.NoError(t, err)
		assert.Equal(t, c.newer, newer, "incoming %s", c.id)
	}
}

func Test_synthesized_messages_compare_by_timestamp(t *testing.T) {
	existing := &protocol.PresenceMessage{ID: "c1:5:0", ConnectionID: "c1", Timestamp: 100}
	synthesized := &protocol.PresenceMessage{ID: "", ConnectionID: "c1", Timestamp: 100}

	assert.True(t, IsSynthesized(synthesized))
	assert.True(t, IsSynthesized(&protocol.PresenceMessage{ID: "other:1:0", ConnectionID: "c1"}))
	assert.False(t, IsSynthesized(existing))

	newer, err := IsNewer(synthesized, existing)
	require.NoError(t, err)
	assert.True(t, newer)

	synthesized.Timestamp = 99
	newer, err = IsNewer(synthesized, existing)
	require.NoError(t, err)
	assert.False(t, newer)

	newer, err = IsNewer(&protocol.PresenceMessage{ID: "c1:1:0", ConnectionID: "c1", Timestamp: 100}, synthesized)
	require.NoError(t, err)
	assert.True(t, newer)
}

func Test_newer_reports_malformed_ids(t *testing.T) {
	_, err := IsNewer(
		&protocol.PresenceMessage{ID: "c1:bad:0", ConnectionID: "c1"},
		&protocol.PresenceMessage{ID: "c1:1:0", ConnectionID: "c1"},
	)
	assert.Error(t, err)
}
