package meeting

import (
	"sync"

	"github.com/maskmeet/maskmeet/internal/sfu"
)

// EventSink delivers server events to one connected client. Emit must be safe
// for concurrent use; the peer-notification path calls it from pipeline
// goroutines.
type EventSink interface {
	Emit(event string, payload any)
}

// Settings is the per-session overlay configuration.
type Settings struct {
	OverlayURL string  `json:"overlayUrl"`
	Opacity    float64 `json:"opacity"`
	Enabled    bool    `json:"enabled"`
}

func defaultSettings() Settings {
	return Settings{Opacity: 1, Enabled: false}
}

// Session is one connected participant.
type Session struct {
	ID   string
	sink EventSink

	mu         sync.Mutex
	name       string
	meetingID  string
	settings   Settings
	transports map[string]sfu.WebRtcTransport
	consumers  map[string]sfu.Consumer
}

func (s *Session) Emit(event string, payload any) {
	s.sink.Emit(event, payload)
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) MeetingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meetingID
}

func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) updateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.settings
}

func (s *Session) addTransport(t sfu.WebRtcTransport) {
	s.mu.Lock()
	s.transports[t.ID()] = t
	s.mu.Unlock()
}

func (s *Session) transport(id string) (sfu.WebRtcTransport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transports[id]
	return t, ok
}

func (s *Session) addConsumer(c sfu.Consumer) {
	s.mu.Lock()
	s.consumers[c.ID()] = c
	s.mu.Unlock()
}

func (s *Session) consumer(id string) (sfu.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	return c, ok
}

func (s *Session) allTransports() []sfu.WebRtcTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sfu.WebRtcTransport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	return out
}
