package signal

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/maskmeet/maskmeet/internal/sfu"
)

// registerHandlers binds every accepted event type. Relay events forward the
// data field untouched; SFU events unmarshal into typed parameters and reply
// on the same connection.
func registerHandlers(r *Registry) {
	r.Register("join-meeting", handleJoinMeeting)

	// Negotiation and overlay hints travel peer-to-peer through the server.
	r.Register("offer", relay("offer"))
	r.Register("answer", relay("answer"))
	r.Register("ice-candidate", relay("ice-candidate"))
	r.Register("overlay-data", relay("overlay-data"))
	r.Register("chat-message", relay("chat-message"))

	r.Register("get-router-capabilities", handleRouterCapabilities)
	r.Register("create-transport", handleCreateTransport)
	r.Register("connect-transport", handleConnectTransport)
	r.Register("produce", handleProduce)
	r.Register("consume", handleConsume)
	r.Register("consumer-resume", handleConsumerResume)

	r.Register("change-overlay", handleChangeOverlay)
	r.Register("change-opacity", handleChangeOpacity)
	r.Register("toggle-overlay", handleToggleOverlay)
}

// relay forwards the event to the meeting peer unchanged. Nothing is echoed
// to the sender and a session without a peer drops the event.
func relay(event string) HandlerFunc {
	return func(c *Client, data gjson.Result) {
		c.manager.RelayToPeer(c.session.ID, event, json.RawMessage(data.Raw))
	}
}

func handleJoinMeeting(c *Client, data gjson.Result) {
	meetingID := data.Get("meetingId").String()
	name := data.Get("name").String()
	if meetingID == "" {
		c.Emit("error", map[string]any{"message": "meetingId is required"})
		return
	}
	c.manager.Join(c.session.ID, meetingID, name)
}

func handleRouterCapabilities(c *Client, _ gjson.Result) {
	c.Emit("router-capabilities", map[string]any{
		"rtpCapabilities": c.manager.RouterCapabilities(),
	})
}

func handleCreateTransport(c *Client, data gjson.Result) {
	direction := data.Get("direction").String()
	info, err := c.manager.CreateTransport(context.Background(), c.session.ID, direction)
	if err != nil {
		c.log.Error().Err(err).Msg("create-transport failed")
		c.Emit("error", map[string]any{"message": "failed to create transport"})
		return
	}
	c.Emit("transport-created", info)
}

func handleConnectTransport(c *Client, data gjson.Result) {
	transportID := data.Get("transportId").String()
	var params sfu.WebRtcConnectParams
	if err := json.Unmarshal([]byte(data.Raw), &params); err != nil {
		c.Emit("error", map[string]any{"message": "invalid dtlsParameters"})
		return
	}
	if err := c.manager.ConnectTransport(c.session.ID, transportID, params); err != nil {
		c.log.Error().Err(err).Str("transport", transportID).Msg("connect-transport failed")
		c.Emit("error", map[string]any{"message": "failed to connect transport"})
		return
	}
	c.Emit("transport-connected", map[string]any{"transportId": transportID})
}

func handleProduce(c *Client, data gjson.Result) {
	transportID := data.Get("transportId").String()
	kind := sfu.MediaKind(data.Get("kind").String())
	if kind != sfu.KindAudio && kind != sfu.KindVideo {
		c.Emit("error", map[string]any{"message": "invalid media kind"})
		return
	}
	var params sfu.RtpParameters
	if err := json.Unmarshal([]byte(data.Get("rtpParameters").Raw), &params); err != nil {
		c.Emit("error", map[string]any{"message": "invalid rtpParameters"})
		return
	}
	id, err := c.manager.Produce(context.Background(), c.session.ID, transportID, kind, params)
	if err != nil {
		c.log.Error().Err(err).Str("transport", transportID).Msg("produce failed")
		c.Emit("error", map[string]any{"message": "failed to produce"})
		return
	}
	c.Emit("producer-created", map[string]any{"id": id})
}

func handleConsume(c *Client, data gjson.Result) {
	transportID := data.Get("transportId").String()
	producerID := data.Get("producerId").String()
	var caps sfu.RtpCapabilities
	if err := json.Unmarshal([]byte(data.Get("rtpCapabilities").Raw), &caps); err != nil {
		c.Emit("error", map[string]any{"message": "invalid rtpCapabilities"})
		return
	}
	info, err := c.manager.Consume(context.Background(), c.session.ID, transportID, producerID, caps)
	if err != nil {
		c.log.Error().Err(err).Str("producer", producerID).Msg("consume failed")
		c.Emit("error", map[string]any{"message": "failed to consume"})
		return
	}
	c.Emit("consumer-created", info)
}

func handleConsumerResume(c *Client, data gjson.Result) {
	consumerID := data.Get("consumerId").String()
	if err := c.manager.ResumeConsumer(c.session.ID, consumerID); err != nil {
		c.log.Warn().Err(err).Str("consumer", consumerID).Msg("consumer-resume failed")
		c.Emit("error", map[string]any{"message": "failed to resume consumer"})
	}
}

func handleChangeOverlay(c *Client, data gjson.Result) {
	settings, err := c.manager.SetOverlayURL(c.session.ID, data.Get("overlayUrl").String())
	if err != nil {
		return
	}
	c.Emit("overlay-changed", settings)
}

func handleChangeOpacity(c *Client, data gjson.Result) {
	settings, err := c.manager.SetOpacity(c.session.ID, data.Get("opacity").Float())
	if err != nil {
		return
	}
	c.Emit("opacity-changed", settings)
}

func handleToggleOverlay(c *Client, data gjson.Result) {
	settings, err := c.manager.SetOverlayEnabled(c.session.ID, data.Get("enabled").Bool())
	if err != nil {
		return
	}
	c.Emit("overlay-toggled", settings)
}
