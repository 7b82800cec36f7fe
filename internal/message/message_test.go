package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshtalk/internal/config"
	"meshtalk/internal/sanitizer"
)

func newTestProtocol() *Protocol {
	cfg := config.DefaultConfig()
	return New(cfg, sanitizer.New(cfg))
}

func TestCreateBroadcast(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hello", "node-A", "alice")
	require.NoError(t, err)

	assert.True(t, uuidShape.MatchString(m.MessageID))
	assert.Equal(t, "node-A", m.SenderID)
	assert.Equal(t, []string{"node-A"}, m.SeenBy)
	assert.Equal(t, 3, m.TTL)
	assert.Equal(t, TypeBroadcast, m.Type)
	assert.Equal(t, "hello", m.Content)
	assert.True(t, m.HasBeenSeenBy("node-A"))
}

func TestCreateBroadcast_RejectsEmptyContent(t *testing.T) {
	p := newTestProtocol()
	_, err := p.CreateBroadcast("", "node-A", "")
	assert.Error(t, err)
}

func TestCreateBroadcast_RejectsOversizeContent(t *testing.T) {
	cfg := config.DefaultConfig()
	p := New(cfg, sanitizer.New(cfg))

	huge := make([]byte, 10000)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := p.CreateBroadcast(string(huge), "node-A", "")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("round trip me", "node-A", "alice")
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)

	parsed, err := p.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, m, parsed)
}

func TestParse_UnknownKeysIgnored(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hi", "node-A", "")
	require.NoError(t, err)
	data, err := Encode(m)
	require.NoError(t, err)

	withExtra := append([]byte{}, data[:len(data)-1]...)
	withExtra = append(withExtra, []byte(`,"extra_field":"ignore me"}`)...)

	parsed, err := p.Parse(withExtra)
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, parsed.MessageID)
}

func TestParse_UnknownTypeDefaultsToBroadcast(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hi", "node-A", "")
	require.NoError(t, err)
	data, err := Encode(m)
	require.NoError(t, err)

	mutated := replaceField(t, data, `"type":"broadcast"`, `"type":"weird_unknown_type"`)
	parsed, err := p.Parse(mutated)
	require.NoError(t, err)
	assert.Equal(t, TypeBroadcast, parsed.Type)
}

func TestParse_RejectsMalformedUUID(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hi", "node-A", "")
	require.NoError(t, err)
	data, err := Encode(m)
	require.NoError(t, err)

	mutated := replaceField(t, data, m.MessageID, "not-a-uuid")
	_, err = p.Parse(mutated)
	assert.Error(t, err)
}

func TestParse_RejectsFarFutureTimestamp(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hi", "node-A", "")
	require.NoError(t, err)
	m.Timestamp = float64(time.Now().Unix() + 3600)
	data, err := Encode(m)
	require.NoError(t, err)

	_, err = p.Parse(data)
	assert.Error(t, err)
}

func TestParse_RejectsTTLOutOfRange(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hi", "node-A", "")
	require.NoError(t, err)
	m.TTL = 99
	data, err := Encode(m)
	require.NoError(t, err)

	_, err = p.Parse(data)
	assert.Error(t, err)
}

func TestPrepareForForwarding_DecrementsTTLAndAddsForwarder(t *testing.T) {
	p := newTestProtocol()
	m, err := p.CreateBroadcast("hi", "node-A", "")
	require.NoError(t, err)

	fwd := PrepareForForwarding(m, "node-B")
	require.NotNil(t, fwd)
	assert.Equal(t, m.TTL-1, fwd.TTL)
	assert.True(t, fwd.HasBeenSeenBy("node-B"))
	assert.True(t, fwd.HasBeenSeenBy("node-A"))
	// original untouched
	assert.Equal(t, 3, m.TTL)
}

func TestPrepareForForwarding_NilWhenTTLZero(t *testing.T) {
	m := &Message{MessageID: "x", SenderID: "a", TTL: 0, SeenBy: []string{"a"}, Type: TypeBroadcast}
	assert.Nil(t, PrepareForForwarding(m, "b"))
}

func TestPrepareForForwarding_DeduplicatesSeenBy(t *testing.T) {
	m := &Message{MessageID: "x", SenderID: "a", TTL: 1, SeenBy: []string{"a", "b"}, Type: TypeBroadcast}
	fwd := PrepareForForwarding(m, "b")
	count := 0
	for _, v := range fwd.SeenBy {
		if v == "b" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func replaceField(t *testing.T, data []byte, old, new string) []byte {
	t.Helper()
	s := string(data)
	out := []byte{}
	idx := indexOf(s, old)
	require.GreaterOrEqual(t, idx, 0)
	out = append(out, data[:idx]...)
	out = append(out, []byte(new)...)
	out = append(out, data[idx+len(old):]...)
	return out
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
