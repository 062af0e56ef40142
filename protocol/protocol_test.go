package protocol

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestDecodeEvent(t *testing.T) {
	evt := signedEvent(t, 1, "hello", nostr.Tags{})
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	frame := []byte(fmt.Sprintf(`["EVENT",%s]`, payload))

	msg, err := Decode(frame)
	require.NoError(t, err)

	publish, ok := msg.(PublishMessage)
	require.True(t, ok)
	assert.Equal(t, "EVENT", publish.Label())
	assert.Equal(t, evt.ID, publish.Event.ID)
	assert.Equal(t, evt.Content, publish.Event.Content)
}

func TestDecodeReq(t *testing.T) {
	frame := []byte(`["REQ","sub1",{"kinds":[1],"limit":5},{"#e":["` + hexString(64) + `"]}]`)

	msg, err := Decode(frame)
	require.NoError(t, err)

	req, ok := msg.(SubscribeMessage)
	require.True(t, ok)
	assert.Equal(t, "sub1", req.ID)
	require.Len(t, req.Filters, 2)
	assert.Equal(t, []int{1}, req.Filters[0].Kinds)
	assert.Equal(t, 5, req.Filters[0].Limit)
	assert.Len(t, req.Filters[1].Tags["e"], 1)
}

func TestDecodeClose(t *testing.T) {
	msg, err := Decode([]byte(`["CLOSE","sub1"]`))
	require.NoError(t, err)

	unsub, ok := msg.(UnsubscribeMessage)
	require.True(t, ok)
	assert.Equal(t, "sub1", unsub.ID)
}

func TestDecodeAuth(t *testing.T) {
	evt := signedEvent(t, 22242, "", nostr.Tags{{"challenge", "abc"}, {"relay", "ws://localhost"}})
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	msg, err := Decode([]byte(fmt.Sprintf(`["AUTH",%s]`, payload)))
	require.NoError(t, err)

	auth, ok := msg.(AuthMessage)
	require.True(t, ok)
	assert.Equal(t, evt.ID, auth.Event.ID)
}

func TestDecodeFailures(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"not an array", `{"kind":1}`},
		{"empty array", `[]`},
		{"numeric label", `[1,2]`},
		{"unknown label", `["PING"]`},
		{"event without payload", `["EVENT"]`},
		{"event with extra elements", `["EVENT",{},{}]`},
		{"req without filters", `["REQ","sub1"]`},
		{"req with empty id", `["REQ","",{}]`},
		{"req with non-object filter", `["REQ","sub1",5]`},
		{"close without id", `["CLOSE"]`},
		{"auth without payload", `["AUTH"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.frame))
			assert.Nil(t, msg)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestDecodeEventCarriesIDHint(t *testing.T) {
	// structurally broken event (bad sig), but the id is salvageable
	id := hexString(64)
	frame := []byte(`["EVENT",{"id":"` + id + `","pubkey":"` + hexString(64) + `","sig":"bad","kind":1,"created_at":123,"tags":[],"content":""}]`)

	_, err := Decode(frame)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "EVENT", de.MessageLabel)
	assert.Equal(t, id, de.EventHint)
}

func TestDecodeEventHintFallsBackToEmpty(t *testing.T) {
	_, err := Decode([]byte(`["EVENT",{"id":12345}]`))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "EVENT", de.MessageLabel)
	assert.Equal(t, "", de.EventHint)
}

func TestValidateEventStructure(t *testing.T) {
	evt := signedEvent(t, 1, "ok", nostr.Tags{{"t", "test"}})
	require.NoError(t, ValidateEventStructure(evt))

	bad := *evt
	bad.ID = "short"
	require.Error(t, ValidateEventStructure(&bad))

	bad = *evt
	bad.PubKey = hexString(63) + "G"
	require.Error(t, ValidateEventStructure(&bad))

	bad = *evt
	bad.CreatedAt = 0
	require.Error(t, ValidateEventStructure(&bad))

	bad = *evt
	bad.Tags = nostr.Tags{{}}
	require.Error(t, ValidateEventStructure(&bad))
}

func TestValidateFilterStructure(t *testing.T) {
	require.NoError(t, ValidateFilterStructure(nostr.Filter{Kinds: []int{1}, Limit: 10}))
	require.Error(t, ValidateFilterStructure(nostr.Filter{IDs: []string{"nothex"}}))
	require.Error(t, ValidateFilterStructure(nostr.Filter{Kinds: []int{-1}}))
	require.Error(t, ValidateFilterStructure(nostr.Filter{Tags: nostr.TagMap{"e": {}}}))

	since := nostr.Timestamp(100)
	until := nostr.Timestamp(50)
	require.Error(t, ValidateFilterStructure(nostr.Filter{Since: &since, Until: &until}))
}

func TestFilterIsUnbounded(t *testing.T) {
	assert.True(t, FilterIsUnbounded(nostr.Filter{}))
	assert.False(t, FilterIsUnbounded(nostr.Filter{Kinds: []int{1}}))
	assert.False(t, FilterIsUnbounded(nostr.Filter{Limit: 10}))
}

func TestEncodeRoundTrip(t *testing.T) {
	ok := &nostr.OKEnvelope{EventID: hexString(64), OK: true, Reason: ""}
	data := Encode(ok)

	env := nostr.ParseMessage(string(data))
	parsed, isOK := env.(*nostr.OKEnvelope)
	require.True(t, isOK, "expected OK envelope, got %T", env)
	assert.Equal(t, ok.EventID, parsed.EventID)
	assert.True(t, parsed.OK)
}

// hexString builds a deterministic lowercase hex string of the given length.
func hexString(n int) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = digits[i%16]
	}
	return string(buf)
}
