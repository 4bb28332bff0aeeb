package meeting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskmeet/maskmeet/internal/sfu"
)

func TestJoinFirstParticipantWaits(t *testing.T) {
	h := newHarness()
	sink := &recordingSink{}
	s := h.m.Connect(sink)

	h.m.Join(s.ID, "m1", "a")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "waiting", events[0].Name)
}

func TestJoinSecondParticipantPairs(t *testing.T) {
	h := newHarness()
	sink1, sink2 := &recordingSink{}, &recordingSink{}
	s1 := h.m.Connect(sink1)
	s2 := h.m.Connect(sink2)

	h.m.Join(s1.ID, "m1", "a")
	h.m.Join(s2.ID, "m1", "b")

	e1, ok := sink1.last("partner-connected")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"meetingId": "m1"}, e1.Payload)
	_, ok = sink2.last("partner-connected")
	assert.True(t, ok)
	assert.Equal(t, 0, sink2.count("waiting"))
}

func TestJoinThirdParticipantRejected(t *testing.T) {
	h := newHarness()
	s1 := h.m.Connect(&recordingSink{})
	s2 := h.m.Connect(&recordingSink{})
	sink3 := &recordingSink{}
	s3 := h.m.Connect(sink3)

	h.m.Join(s1.ID, "m1", "a")
	h.m.Join(s2.ID, "m1", "b")
	h.m.Join(s3.ID, "m1", "c")

	e, ok := sink3.last("error")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"message": "Meeting is full (maximum 2 participants)"}, e.Payload)
	// The rejected session has no peer in the room.
	assert.Nil(t, h.m.Peer(s3.ID))
}

func TestRelayToPeerOnly(t *testing.T) {
	h := newHarness()
	sink1, sink2, sink3 := &recordingSink{}, &recordingSink{}, &recordingSink{}
	s1 := h.m.Connect(sink1)
	s2 := h.m.Connect(sink2)
	s3 := h.m.Connect(sink3)

	h.m.Join(s1.ID, "m1", "a")
	h.m.Join(s2.ID, "m1", "b")
	h.m.Join(s3.ID, "m2", "c")

	h.m.RelayToPeer(s1.ID, "overlay-data", map[string]any{"overlayUrl": "u"})

	assert.Equal(t, 1, sink2.count("overlay-data"))
	assert.Equal(t, 0, sink1.count("overlay-data"))
	assert.Equal(t, 0, sink3.count("overlay-data"))
}

func TestRelayWithoutPeerDropped(t *testing.T) {
	h := newHarness()
	sink := &recordingSink{}
	s := h.m.Connect(sink)
	h.m.Join(s.ID, "m1", "a")

	h.m.RelayToPeer(s.ID, "chat-message", map[string]any{"payload": "x"})

	assert.Equal(t, 0, sink.count("chat-message"))
}

func TestProduceAudioNotifiesPeerImmediately(t *testing.T) {
	h := newHarness()
	sink1, sink2 := &recordingSink{}, &recordingSink{}
	s1 := h.m.Connect(sink1)
	s2 := h.m.Connect(sink2)
	h.m.Join(s1.ID, "m1", "a")
	h.m.Join(s2.ID, "m1", "b")

	info, err := h.m.CreateTransport(context.Background(), s1.ID, "send")
	require.NoError(t, err)

	id, err := h.m.Produce(context.Background(), s1.ID, info.ID, sfu.KindAudio, sfu.RtpParameters{})
	require.NoError(t, err)

	e, ok := sink2.last("new-producer")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"producerId": id, "kind": "audio"}, e.Payload)
	// No pipeline for audio.
	_, found := h.m.PipelineFor(id)
	assert.False(t, found)
}

func TestSettingsMutation(t *testing.T) {
	h := newHarness()
	s := h.m.Connect(&recordingSink{})

	settings, err := h.m.SetOverlayURL(s.ID, "http://x/mask.png")
	require.NoError(t, err)
	assert.Equal(t, "http://x/mask.png", settings.OverlayURL)

	settings, err = h.m.SetOpacity(s.ID, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, settings.Opacity)

	settings, err = h.m.SetOverlayEnabled(s.ID, true)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, "http://x/mask.png", settings.OverlayURL)
}

func TestSetOpacityClamps(t *testing.T) {
	h := newHarness()
	s := h.m.Connect(&recordingSink{})

	settings, err := h.m.SetOpacity(s.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(1), settings.Opacity)

	settings, err = h.m.SetOpacity(s.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, float64(0), settings.Opacity)
}

func TestSettingsUnknownSession(t *testing.T) {
	h := newHarness()
	_, err := h.m.SetOpacity("nope", 0.5)
	assert.Error(t, err)
}

func TestDisconnectNotifiesPeerAndFreesRoom(t *testing.T) {
	h := newHarness()
	sink2 := &recordingSink{}
	s1 := h.m.Connect(&recordingSink{})
	s2 := h.m.Connect(sink2)
	h.m.Join(s1.ID, "m1", "a")
	h.m.Join(s2.ID, "m1", "b")

	h.m.Disconnect(s1.ID)

	assert.Equal(t, 1, sink2.count("user-disconnected"))
	assert.Equal(t, 1, h.m.SessionCount())
	// Room slot reopens for a newcomer.
	sink3 := &recordingSink{}
	s3 := h.m.Connect(sink3)
	h.m.Join(s3.ID, "m1", "c")
	assert.Equal(t, 1, sink3.count("partner-connected"))
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newHarness()
	s := h.m.Connect(&recordingSink{})

	h.m.Disconnect(s.ID)
	h.m.Disconnect(s.ID)
	assert.Equal(t, 0, h.m.SessionCount())
}

func TestConsumePausedAndResume(t *testing.T) {
	h := newHarness()
	s1 := h.m.Connect(&recordingSink{})
	s2 := h.m.Connect(&recordingSink{})
	h.m.Join(s1.ID, "m1", "a")
	h.m.Join(s2.ID, "m1", "b")

	send, err := h.m.CreateTransport(context.Background(), s1.ID, "send")
	require.NoError(t, err)
	prodID, err := h.m.Produce(context.Background(), s1.ID, send.ID, sfu.KindAudio, sfu.RtpParameters{})
	require.NoError(t, err)

	recv, err := h.m.CreateTransport(context.Background(), s2.ID, "recv")
	require.NoError(t, err)
	info, err := h.m.Consume(context.Background(), s2.ID, recv.ID, prodID, h.m.RouterCapabilities())
	require.NoError(t, err)
	assert.Equal(t, prodID, info.ProducerID)

	require.NoError(t, h.m.ResumeConsumer(s2.ID, info.ID))
	assert.Error(t, h.m.ResumeConsumer(s2.ID, "unknown"))
}

func TestConsumeRejectedWhenRouterRefuses(t *testing.T) {
	h := newHarness()
	h.router.canConsume = false
	s := h.m.Connect(&recordingSink{})

	recv, err := h.m.CreateTransport(context.Background(), s.ID, "recv")
	require.NoError(t, err)

	_, err = h.m.Consume(context.Background(), s.ID, recv.ID, "p1", sfu.RtpCapabilities{})
	assert.Error(t, err)
}
