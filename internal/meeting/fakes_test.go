package meeting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/maskmeet/maskmeet/internal/media"
	"github.com/maskmeet/maskmeet/internal/sfu"
)

/* --------------------------------- Event sink -------------------------------- */

type recordedEvent struct {
	Name    string
	Payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Name: event, Payload: payload})
}

func (s *recordingSink) all() []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) count(event string) int {
	n := 0
	for _, e := range s.all() {
		if e.Name == event {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(event string) (recordedEvent, bool) {
	var found recordedEvent
	ok := false
	for _, e := range s.all() {
		if e.Name == event {
			found = e
			ok = true
		}
	}
	return found, ok
}

/* ---------------------------------- Fake SFU --------------------------------- */

type fakeRouter struct {
	mu         sync.Mutex
	seq        int
	plain      []*fakePlainTransport
	producers  map[string]sfu.Producer
	canConsume bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{producers: make(map[string]sfu.Producer), canConsume: true}
}

func (r *fakeRouter) RtpCapabilities() sfu.RtpCapabilities {
	return sfu.RtpCapabilities{Codecs: []sfu.RtpCodec{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}}}
}

func (r *fakeRouter) CanConsume(string, sfu.RtpCapabilities) bool { return r.canConsume }

func (r *fakeRouter) CreateWebRtcTransport(context.Context) (sfu.WebRtcTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return &fakeWebRtcTransport{router: r, id: fmt.Sprintf("wt-%d", r.seq)}, nil
}

func (r *fakeRouter) CreatePlainTransport(_ context.Context, opts sfu.PlainTransportOptions) (sfu.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	t := &fakePlainTransport{
		router: r,
		id:     fmt.Sprintf("pt-%d", r.seq),
		opts:   opts,
		port:   30000 + r.seq,
	}
	r.plain = append(r.plain, t)
	return t, nil
}

func (r *fakeRouter) Producer(id string) (sfu.Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *fakeRouter) Close() error { return nil }

func (r *fakeRouter) newProducer(kind sfu.MediaKind, params sfu.RtpParameters) *fakeProducer {
	r.seq++
	p := &fakeProducer{id: fmt.Sprintf("prod-%d", r.seq), kind: kind, params: params}
	r.producers[p.id] = p
	return p
}

type fakeWebRtcTransport struct {
	router *fakeRouter
	id     string
	closed atomic.Bool
}

func (t *fakeWebRtcTransport) ID() string                         { return t.id }
func (t *fakeWebRtcTransport) ICEParameters() sfu.ICEParameters   { return sfu.ICEParameters{} }
func (t *fakeWebRtcTransport) ICECandidates() []sfu.ICECandidate  { return nil }
func (t *fakeWebRtcTransport) DtlsParameters() sfu.DtlsParameters { return sfu.DtlsParameters{} }
func (t *fakeWebRtcTransport) Connect(sfu.WebRtcConnectParams) error {
	return nil
}

func (t *fakeWebRtcTransport) Produce(_ context.Context, kind sfu.MediaKind, params sfu.RtpParameters) (sfu.Producer, error) {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.router.newProducer(kind, params), nil
}

func (t *fakeWebRtcTransport) Consume(_ context.Context, producerID string, _ sfu.RtpCapabilities, paused bool) (sfu.Consumer, error) {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	t.router.seq++
	c := &fakeConsumer{id: fmt.Sprintf("cons-%d", t.router.seq), producerID: producerID}
	c.paused.Store(paused)
	return c, nil
}

func (t *fakeWebRtcTransport) Close() error {
	t.closed.Store(true)
	return nil
}

type fakePlainTransport struct {
	router *fakeRouter
	id     string
	opts   sfu.PlainTransportOptions
	port   int

	mu          sync.Mutex
	connectedTo string
	consumers   []*fakeConsumer
	producers   []*fakeProducer
	produceGate chan struct{} // Produce parks until closed, when set
	closed      atomic.Bool

	produceCalls atomic.Int32
}

func (t *fakePlainTransport) ID() string { return t.id }

func (t *fakePlainTransport) Connect(ip string, port, rtcpPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectedTo = fmt.Sprintf("%s:%d/%d", ip, port, rtcpPort)
	return nil
}

func (t *fakePlainTransport) Produce(_ context.Context, kind sfu.MediaKind, params sfu.RtpParameters) (sfu.Producer, error) {
	t.produceCalls.Add(1)
	t.mu.Lock()
	gate := t.produceGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.router.mu.Lock()
	p := t.router.newProducer(kind, params)
	t.router.mu.Unlock()
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakePlainTransport) Consume(_ context.Context, producerID string, _ sfu.RtpCapabilities, paused bool) (sfu.Consumer, error) {
	t.router.mu.Lock()
	t.router.seq++
	id := fmt.Sprintf("cons-%d", t.router.seq)
	t.router.mu.Unlock()

	c := &fakeConsumer{id: id, producerID: producerID}
	c.paused.Store(paused)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakePlainTransport) Tuple() sfu.TransportTuple {
	return sfu.TransportTuple{LocalIP: "127.0.0.1", LocalPort: t.port}
}

func (t *fakePlainTransport) RtcpTuple() sfu.TransportTuple {
	return sfu.TransportTuple{LocalIP: "127.0.0.1", LocalPort: t.port + 1}
}

func (t *fakePlainTransport) Close() error {
	t.closed.Store(true)
	return nil
}

type fakeProducer struct {
	id     string
	kind   sfu.MediaKind
	params sfu.RtpParameters
	closed atomic.Bool
}

func (p *fakeProducer) ID() string                       { return p.id }
func (p *fakeProducer) Kind() sfu.MediaKind              { return p.kind }
func (p *fakeProducer) RtpParameters() sfu.RtpParameters { return p.params }
func (p *fakeProducer) RequestKeyFrame() error           { return nil }
func (p *fakeProducer) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeConsumer struct {
	id         string
	producerID string
	paused     atomic.Bool
	closed     atomic.Bool
}

func (c *fakeConsumer) ID() string         { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }
func (c *fakeConsumer) Kind() sfu.MediaKind {
	return sfu.KindVideo
}

func (c *fakeConsumer) RtpParameters() sfu.RtpParameters {
	return sfu.RtpParameters{
		Codecs:    []sfu.RtpCodec{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []sfu.RtpEncoding{{SSRC: 1111}},
	}
}

func (c *fakeConsumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *fakeConsumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

/* ----------------------------- Fake media workers ----------------------------- */

type fakeDecoder struct {
	done    chan struct{}
	mu      sync.Mutex
	err     error
	stopped atomic.Bool
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{done: make(chan struct{})}
}

func (d *fakeDecoder) Done() <-chan struct{} { return d.done }

func (d *fakeDecoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *fakeDecoder) Stop() {
	if d.stopped.CompareAndSwap(false, true) {
		close(d.done)
	}
}

func (d *fakeDecoder) failWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	d.Stop()
}

type fakeEncoder struct {
	ssrc    uint32
	gate    chan struct{} // WaitWritable blocks until closed
	mu      sync.Mutex
	frames  [][]byte
	stopped atomic.Bool
}

func newFakeEncoder(ssrc uint32) *fakeEncoder {
	gate := make(chan struct{})
	close(gate)
	return &fakeEncoder{ssrc: ssrc, gate: gate}
}

func (e *fakeEncoder) WaitWritable(ctx context.Context) error {
	select {
	case <-e.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEncoder) WriteFrame(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	e.frames = append(e.frames, cp)
	return nil
}

func (e *fakeEncoder) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func (e *fakeEncoder) SSRC() uint32 { return e.ssrc }

func (e *fakeEncoder) Stop() { e.stopped.Store(true) }

/* --------------------------------- Harness ----------------------------------- */

type harness struct {
	m      *Manager
	router *fakeRouter
	ports  *media.PortAllocator

	// encGate, when set before the encoder starts, keeps WaitWritable blocked
	// until the test closes it.
	encGate chan struct{}

	mu        sync.Mutex
	decoders  []*fakeDecoder
	frameFns  []media.FrameFunc
	encoders  []*fakeEncoder
	encStarts atomic.Int32
}

func newHarness() *harness {
	h := &harness{
		router: newFakeRouter(),
		ports:  media.NewPortAllocator(20000, 20100),
	}
	h.m = NewManager(ManagerConfig{
		Router:        h.router,
		Ports:         h.ports,
		Log:           zerolog.Nop(),
		FFmpegPath:    "ffmpeg",
		ListenIP:      "127.0.0.1",
		EncoderWarmup: 1, // nanosecond, effectively immediate
		StartDecoder: func(_ context.Context, _ media.DecoderConfig, _ zerolog.Logger, onFrame media.FrameFunc) (DecoderHandle, error) {
			d := newFakeDecoder()
			h.mu.Lock()
			h.decoders = append(h.decoders, d)
			h.frameFns = append(h.frameFns, onFrame)
			h.mu.Unlock()
			return d, nil
		},
		StartEncoder: func(_ context.Context, _ media.EncoderConfig, _ zerolog.Logger) (EncoderHandle, error) {
			h.encStarts.Add(1)
			e := newFakeEncoder(9999)
			h.mu.Lock()
			if h.encGate != nil {
				e.gate = h.encGate
			}
			h.encoders = append(h.encoders, e)
			h.mu.Unlock()
			return e, nil
		},
	})
	return h
}

func (h *harness) lastDecoder() *fakeDecoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.decoders) == 0 {
		return nil
	}
	return h.decoders[len(h.decoders)-1]
}

func (h *harness) lastFrameFn() media.FrameFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frameFns) == 0 {
		return nil
	}
	return h.frameFns[len(h.frameFns)-1]
}

// outputTransport returns the comedia plain transport, the one the pipeline
// publishes the processed producer on.
func (h *harness) outputTransport() *fakePlainTransport {
	h.router.mu.Lock()
	defer h.router.mu.Unlock()
	for _, t := range h.router.plain {
		if t.opts.Comedia {
			return t
		}
	}
	return nil
}

func (h *harness) lastEncoder() *fakeEncoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.encoders) == 0 {
		return nil
	}
	return h.encoders[len(h.encoders)-1]
}
