package sfu

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RouterConfig configures the pion-backed router.
type RouterConfig struct {
	// ListenIP is where plain transports bind.
	ListenIP string
	// AnnouncedIP overrides the IP advertised in ICE candidates.
	AnnouncedIP string
}

type pionRouter struct {
	cfg RouterConfig
	api *webrtc.API
	log zerolog.Logger

	mu        sync.Mutex
	producers map[string]*producer
	closed    bool
}

// NewRouter builds a router with Opus and VP8 registered, mirroring the codec
// set the clients negotiate.
func NewRouter(cfg RouterConfig, log zerolog.Logger) (Router, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000, Channels: 2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"},
			},
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}

	if cfg.ListenIP == "" {
		cfg.ListenIP = "127.0.0.1"
	}

	return &pionRouter{
		cfg:       cfg,
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		log:       log,
		producers: make(map[string]*producer),
	}, nil
}

func (r *pionRouter) RtpCapabilities() RtpCapabilities {
	return RtpCapabilities{
		Codecs: []RtpCodec{
			{
				MimeType:    webrtc.MimeTypeOpus,
				PayloadType: 111,
				ClockRate:   48000,
				Channels:    2,
			},
			{
				MimeType:    webrtc.MimeTypeVP8,
				PayloadType: 96,
				ClockRate:   90000,
				RtcpFeedback: []RtcpFeedback{
					{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"},
				},
			},
		},
	}
}

func (r *pionRouter) CanConsume(producerID string, caps RtpCapabilities) bool {
	r.mu.Lock()
	prod, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	want := prod.RtpParameters()
	if len(want.Codecs) == 0 {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, want.Codecs[0].MimeType) {
			return true
		}
	}
	return false
}

func (r *pionRouter) CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error) {
	return newWebRtcTransport(ctx, r)
}

func (r *pionRouter) CreatePlainTransport(_ context.Context, opts PlainTransportOptions) (PlainTransport, error) {
	return newPlainTransport(r, opts)
}

func (r *pionRouter) Producer(id string) (Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	prods := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		prods = append(prods, p)
	}
	r.mu.Unlock()
	for _, p := range prods {
		_ = p.Close()
	}
	return nil
}

func (r *pionRouter) addProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *pionRouter) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

/* --------------------------------- Producer -------------------------------- */

type packetSink func(pkt *rtp.Packet)

// producer is the fan-out hub for one media stream. Transports feed it parsed
// RTP; consumers attach sinks keyed by consumer id.
type producer struct {
	id     string
	kind   MediaKind
	params RtpParameters

	keyframe func() error

	mu     sync.Mutex
	sinks  map[string]packetSink
	closed bool

	onClose func(id string)
}

func newProducer(r *pionRouter, kind MediaKind, params RtpParameters, keyframe func() error) *producer {
	p := &producer{
		id:       uuid.NewString(),
		kind:     kind,
		params:   params,
		keyframe: keyframe,
		sinks:    make(map[string]packetSink),
		onClose:  r.removeProducer,
	}
	r.addProducer(p)
	return p
}

func (p *producer) ID() string                   { return p.id }
func (p *producer) Kind() MediaKind              { return p.kind }
func (p *producer) RtpParameters() RtpParameters { return p.params }

func (p *producer) RequestKeyFrame() error {
	if p.keyframe == nil {
		return nil
	}
	return p.keyframe()
}

func (p *producer) write(pkt *rtp.Packet) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	sinks := make([]packetSink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()
	for _, s := range sinks {
		s(pkt)
	}
}

func (p *producer) addSink(id string, sink packetSink) {
	p.mu.Lock()
	p.sinks[id] = sink
	p.mu.Unlock()
}

func (p *producer) removeSink(id string) {
	p.mu.Lock()
	delete(p.sinks, id)
	p.mu.Unlock()
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.sinks = make(map[string]packetSink)
	p.mu.Unlock()
	if p.onClose != nil {
		p.onClose(p.id)
	}
	return nil
}
