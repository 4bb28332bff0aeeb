// Package meeting hosts the session manager and the per-producer media
// pipeline coordinator: the part of the server that turns a raw published
// video track into the overlay-processed producer the peer consumes.
package meeting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maskmeet/maskmeet/internal/media"
	"github.com/maskmeet/maskmeet/internal/overlay"
	"github.com/maskmeet/maskmeet/internal/sfu"
)

const maxParticipants = 2

const meetingFullMessage = "Meeting is full (maximum 2 participants)"

// ManagerConfig wires the manager's collaborators. DecoderStarter and
// EncoderStarter default to the real ffmpeg workers.
type ManagerConfig struct {
	Router    sfu.Router
	Ports     *media.PortAllocator
	Cache     *overlay.Cache
	Transform overlay.Transform
	Log       zerolog.Logger

	FFmpegPath string
	ListenIP   string

	EncoderWarmup time.Duration
	StartDecoder  DecoderStarter
	StartEncoder  EncoderStarter
}

// Manager owns every connected session, the meeting rooms (two participants
// each) and the video pipelines. Ownership is flat: ids and lookup tables,
// cleanup always starts from a session id.
type Manager struct {
	router    sfu.Router
	ports     *media.PortAllocator
	cache     *overlay.Cache
	transform overlay.Transform
	log       zerolog.Logger

	ffmpeg        string
	listenIP      string
	encoderWarmup time.Duration
	startDecoder  DecoderStarter
	startEncoder  EncoderStarter

	mu            sync.Mutex
	sessions      map[string]*Session
	rooms         map[string][]string // meetingId -> ordered session ids
	producers     map[string]sfu.Producer
	producerOwner map[string]string
	pipelines     map[string]*Pipeline
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.EncoderWarmup == 0 {
		cfg.EncoderWarmup = time.Second
	}
	if cfg.StartDecoder == nil {
		cfg.StartDecoder = defaultDecoderStarter
	}
	if cfg.StartEncoder == nil {
		cfg.StartEncoder = defaultEncoderStarter
	}
	if cfg.ListenIP == "" {
		cfg.ListenIP = "127.0.0.1"
	}
	if cfg.Transform == nil {
		cfg.Transform = overlay.NewWatermark()
	}
	return &Manager{
		router:        cfg.Router,
		ports:         cfg.Ports,
		cache:         cfg.Cache,
		transform:     cfg.Transform,
		log:           cfg.Log,
		ffmpeg:        cfg.FFmpegPath,
		listenIP:      cfg.ListenIP,
		encoderWarmup: cfg.EncoderWarmup,
		startDecoder:  cfg.StartDecoder,
		startEncoder:  cfg.StartEncoder,
		sessions:      make(map[string]*Session),
		rooms:         make(map[string][]string),
		producers:     make(map[string]sfu.Producer),
		producerOwner: make(map[string]string),
		pipelines:     make(map[string]*Pipeline),
	}
}

/* ------------------------------ Session lifecycle --------------------------- */

// Connect registers a new session for a connected client.
func (m *Manager) Connect(sink EventSink) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		sink:       sink,
		settings:   defaultSettings(),
		transports: make(map[string]sfu.WebRtcTransport),
		consumers:  make(map[string]sfu.Consumer),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Info().Str("session", s.ID).Msg("session connected")
	return s
}

// Disconnect tears down everything the session owns. Calling it again for the
// same id is a no-op.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)

	var pipelines []*Pipeline
	var producers []sfu.Producer
	for id, owner := range m.producerOwner {
		if owner != sessionID {
			continue
		}
		if p, ok := m.pipelines[id]; ok {
			pipelines = append(pipelines, p)
		}
		if prod, ok := m.producers[id]; ok {
			producers = append(producers, prod)
		}
		delete(m.producers, id)
		delete(m.producerOwner, id)
	}

	meetingID := sess.MeetingID()
	var peer *Session
	if meetingID != "" {
		remaining := removeID(m.rooms[meetingID], sessionID)
		if len(remaining) == 0 {
			delete(m.rooms, meetingID)
		} else {
			m.rooms[meetingID] = remaining
			peer = m.sessions[remaining[0]]
		}
	}
	m.mu.Unlock()

	for _, p := range pipelines {
		m.closePipeline(p)
	}
	for _, prod := range producers {
		_ = prod.Close()
	}
	for _, t := range sess.allTransports() {
		_ = t.Close()
	}

	if peer != nil {
		peer.Emit("user-disconnected", nil)
	}
	m.log.Info().Str("session", sessionID).Msg("session disconnected")
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

/* ---------------------------------- Rooms ----------------------------------- */

// Join places the session into a meeting. The first participant waits, the
// second pairs the room, a third is rejected.
func (m *Manager) Join(sessionID, meetingID, name string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	room := m.rooms[meetingID]
	for _, id := range room {
		if id == sessionID {
			m.mu.Unlock()
			return
		}
	}
	if len(room) >= maxParticipants {
		m.mu.Unlock()
		sess.Emit("error", map[string]any{"message": meetingFullMessage})
		return
	}
	m.rooms[meetingID] = append(room, sessionID)
	sess.mu.Lock()
	sess.name = name
	sess.meetingID = meetingID
	sess.mu.Unlock()

	var peer *Session
	if len(m.rooms[meetingID]) == maxParticipants {
		peer = m.sessions[room[0]]
	}
	m.mu.Unlock()

	if peer == nil {
		sess.Emit("waiting", nil)
		return
	}
	payload := map[string]any{"meetingId": meetingID}
	sess.Emit("partner-connected", payload)
	peer.Emit("partner-connected", payload)
	m.log.Info().Str("meeting", meetingID).Msg("room paired")
}

// Peer returns the other participant of the session's meeting, if any.
func (m *Manager) Peer(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	for _, id := range m.rooms[sess.MeetingID()] {
		if id != sessionID {
			return m.sessions[id]
		}
	}
	return nil
}

// RelayToPeer forwards an event unchanged to the session's meeting peer.
// Nothing is echoed to the sender and nothing leaves the room.
func (m *Manager) RelayToPeer(sessionID, event string, payload any) {
	if peer := m.Peer(sessionID); peer != nil {
		peer.Emit(event, payload)
	}
}

func (m *Manager) notifyPeer(sessionID, event string, payload any) {
	m.RelayToPeer(sessionID, event, payload)
}

/* ------------------------------ SFU operations ------------------------------ */

func (m *Manager) RouterCapabilities() sfu.RtpCapabilities {
	return m.router.RtpCapabilities()
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	return sess, nil
}

// TransportInfo is the reply payload for create-transport.
type TransportInfo struct {
	ID             string             `json:"id"`
	ICEParameters  sfu.ICEParameters  `json:"iceParameters"`
	ICECandidates  []sfu.ICECandidate `json:"iceCandidates"`
	DtlsParameters sfu.DtlsParameters `json:"dtlsParameters"`
	Direction      string             `json:"direction"`
}

func (m *Manager) CreateTransport(ctx context.Context, sessionID, direction string) (TransportInfo, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return TransportInfo{}, err
	}
	t, err := m.router.CreateWebRtcTransport(ctx)
	if err != nil {
		return TransportInfo{}, fmt.Errorf("create transport: %w", err)
	}
	sess.addTransport(t)
	return TransportInfo{
		ID:             t.ID(),
		ICEParameters:  t.ICEParameters(),
		ICECandidates:  t.ICECandidates(),
		DtlsParameters: t.DtlsParameters(),
		Direction:      direction,
	}, nil
}

func (m *Manager) ConnectTransport(sessionID, transportID string, params sfu.WebRtcConnectParams) error {
	sess, err := m.session(sessionID)
	if err != nil {
		return err
	}
	t, ok := sess.transport(transportID)
	if !ok {
		return fmt.Errorf("unknown transport %s", transportID)
	}
	if err := t.Connect(params); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// Produce publishes a client track. Audio is announced to the peer at once;
// video goes through the processing pipeline and the peer only ever learns
// the processed producer id.
func (m *Manager) Produce(ctx context.Context, sessionID, transportID string, kind sfu.MediaKind, params sfu.RtpParameters) (string, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return "", err
	}
	t, ok := sess.transport(transportID)
	if !ok {
		return "", fmt.Errorf("unknown transport %s", transportID)
	}
	prod, err := t.Produce(ctx, kind, params)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	m.mu.Lock()
	m.producers[prod.ID()] = prod
	m.producerOwner[prod.ID()] = sessionID
	m.mu.Unlock()

	if kind == sfu.KindAudio {
		m.notifyPeer(sessionID, "new-producer", map[string]any{
			"producerId": prod.ID(),
			"kind":       "audio",
		})
		return prod.ID(), nil
	}

	if err := m.attachVideoPipeline(ctx, sess, prod); err != nil {
		m.log.Error().Err(err).Str("session", sessionID).Msg("pipeline setup failed")
		sess.Emit("error", map[string]any{"message": "video processing unavailable"})
	}
	return prod.ID(), nil
}

// ConsumerInfo is the reply payload for consume.
type ConsumerInfo struct {
	ID            string            `json:"id"`
	ProducerID    string            `json:"producerId"`
	Kind          sfu.MediaKind     `json:"kind"`
	RtpParameters sfu.RtpParameters `json:"rtpParameters"`
}

// Consume subscribes the session to a producer, paused until
// consumer-resume.
func (m *Manager) Consume(ctx context.Context, sessionID, transportID, producerID string, caps sfu.RtpCapabilities) (ConsumerInfo, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return ConsumerInfo{}, err
	}
	t, ok := sess.transport(transportID)
	if !ok {
		return ConsumerInfo{}, fmt.Errorf("unknown transport %s", transportID)
	}
	if !m.router.CanConsume(producerID, caps) {
		return ConsumerInfo{}, fmt.Errorf("cannot consume producer %s", producerID)
	}
	c, err := t.Consume(ctx, producerID, caps, true)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("consume: %w", err)
	}
	sess.addConsumer(c)
	return ConsumerInfo{
		ID:            c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
	}, nil
}

func (m *Manager) ResumeConsumer(sessionID, consumerID string) error {
	sess, err := m.session(sessionID)
	if err != nil {
		return err
	}
	c, ok := sess.consumer(consumerID)
	if !ok {
		return fmt.Errorf("unknown consumer %s", consumerID)
	}
	return c.Resume()
}

/* -------------------------------- Settings ---------------------------------- */

func (m *Manager) SetOverlayURL(sessionID, url string) (Settings, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return Settings{}, err
	}
	return sess.updateSettings(func(s *Settings) { s.OverlayURL = url }), nil
}

func (m *Manager) SetOpacity(sessionID string, opacity float64) (Settings, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return Settings{}, err
	}
	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}
	return sess.updateSettings(func(s *Settings) { s.Opacity = opacity }), nil
}

func (m *Manager) SetOverlayEnabled(sessionID string, enabled bool) (Settings, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return Settings{}, err
	}
	return sess.updateSettings(func(s *Settings) { s.Enabled = enabled }), nil
}

/* ------------------------------- Introspection ------------------------------- */

// PipelineFor exposes the pipeline for a raw producer id; used by tests and
// diagnostics.
func (m *Manager) PipelineFor(producerID string) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[producerID]
	return p, ok
}

// SessionCount reports connected sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
