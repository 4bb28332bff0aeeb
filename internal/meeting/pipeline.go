package meeting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/maskmeet/maskmeet/internal/media"
	"github.com/maskmeet/maskmeet/internal/overlay"
	"github.com/maskmeet/maskmeet/internal/sfu"
)

// Pipeline lifecycle. The idle→initializing edge is the only contended one:
// the first decoded frame wins it with a compare-and-set and every
// near-simultaneous loser drops its frame.
const (
	stageIdle int32 = iota
	stageInitializing
	stageReady
	stageClosed
)

// DecoderHandle and EncoderHandle are the seams between the coordinator and
// the external processes; tests substitute in-memory fakes.
type DecoderHandle interface {
	Done() <-chan struct{}
	Err() error
	Stop()
}

type EncoderHandle interface {
	WaitWritable(ctx context.Context) error
	WriteFrame(frame []byte) error
	SSRC() uint32
	Stop()
}

type DecoderStarter func(ctx context.Context, cfg media.DecoderConfig, log zerolog.Logger, onFrame media.FrameFunc) (DecoderHandle, error)

type EncoderStarter func(ctx context.Context, cfg media.EncoderConfig, log zerolog.Logger) (EncoderHandle, error)

func defaultDecoderStarter(ctx context.Context, cfg media.DecoderConfig, log zerolog.Logger, onFrame media.FrameFunc) (DecoderHandle, error) {
	return media.StartDecoder(ctx, cfg, log, onFrame)
}

func defaultEncoderStarter(ctx context.Context, cfg media.EncoderConfig, log zerolog.Logger) (EncoderHandle, error) {
	return media.StartEncoder(ctx, cfg, log)
}

// Pipeline is the per-video-producer processing state: input transport and
// consumer feeding the decoder, output transport fed by the encoder, and the
// processed producer the peer actually consumes.
type Pipeline struct {
	producerID string
	sessionID  string

	inputTransport sfu.PlainTransport
	inputConsumer  sfu.Consumer
	rtpPort        int
	rtcpPort       int

	outputTransport sfu.PlainTransport
	egressPort      int

	decoder DecoderHandle

	stage atomic.Int32

	mu        sync.Mutex
	encoder   EncoderHandle
	processed sfu.Producer

	closeOnce sync.Once
	log       zerolog.Logger
}

func (p *Pipeline) Ready() bool { return p.stage.Load() == stageReady }

func (p *Pipeline) setEncoder(e EncoderHandle) {
	p.mu.Lock()
	p.encoder = e
	p.mu.Unlock()
}

func (p *Pipeline) getEncoder() EncoderHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder
}

func (p *Pipeline) setProcessed(prod sfu.Producer) {
	p.mu.Lock()
	p.processed = prod
	p.mu.Unlock()
}

func (p *Pipeline) getProcessed() sfu.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

/* --------------------------- Pipeline coordinator --------------------------- */

// attachVideoPipeline sets up the full processing chain for one raw video
// producer: input side first, output side immediately after, decoder last.
// The encoder and the processed producer wait for the first decoded frame.
func (m *Manager) attachVideoPipeline(ctx context.Context, sess *Session, prod sfu.Producer) error {
	rtpPort, rtcpPort, err := m.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocate decoder ports: %w", err)
	}

	fail := func(step string, err error, in, out sfu.PlainTransport) error {
		if in != nil {
			_ = in.Close()
		}
		if out != nil {
			_ = out.Close()
		}
		m.ports.Free(rtpPort, rtcpPort)
		return fmt.Errorf("%s: %w", step, err)
	}

	in, err := m.router.CreatePlainTransport(ctx, sfu.PlainTransportOptions{
		ListenIP: m.listenIP,
		RtcpMux:  false,
		Comedia:  false,
	})
	if err != nil {
		return fail("create input transport", err, nil, nil)
	}
	if err := in.Connect(m.listenIP, rtpPort, rtcpPort); err != nil {
		return fail("connect input transport", err, in, nil)
	}
	cons, err := in.Consume(ctx, prod.ID(), m.router.RtpCapabilities(), false)
	if err != nil {
		return fail("consume raw producer", err, in, nil)
	}

	out, err := m.router.CreatePlainTransport(ctx, sfu.PlainTransportOptions{
		ListenIP: m.listenIP,
		RtcpMux:  false,
		Comedia:  true,
	})
	if err != nil {
		return fail("create output transport", err, in, nil)
	}

	p := &Pipeline{
		producerID:      prod.ID(),
		sessionID:       sess.ID,
		inputTransport:  in,
		inputConsumer:   cons,
		rtpPort:         rtpPort,
		rtcpPort:        rtcpPort,
		outputTransport: out,
		egressPort:      out.Tuple().LocalPort,
		log: m.log.With().
			Str("session", sess.ID).
			Str("producer", prod.ID()).
			Logger(),
	}

	dec, err := m.startDecoder(ctx, decoderConfig(m.ffmpeg, rtpPort, prod.ID(), cons.RtpParameters()), p.log, func(frame []byte, w, h int) {
		m.handleFrame(p, frame, w, h)
	})
	if err != nil {
		_ = cons.Close()
		return fail("start decoder", err, in, out)
	}
	p.decoder = dec

	m.mu.Lock()
	m.pipelines[prod.ID()] = p
	m.mu.Unlock()

	go func() {
		<-dec.Done()
		if err := dec.Err(); err != nil {
			p.log.Warn().Err(err).Msg("decoder failed")
			m.closePipeline(p)
			return
		}
		// Clean exit before the first frame: never became ready, torn down
		// with the session.
		p.log.Debug().Msg("decoder exited")
	}()

	p.log.Info().
		Int("decoder_rtp", rtpPort).
		Int("egress_rtp", p.egressPort).
		Msg("video pipeline attached")
	return nil
}

func decoderConfig(ffmpeg string, rtpPort int, producerID string, params sfu.RtpParameters) media.DecoderConfig {
	cfg := media.DecoderConfig{
		FFmpegPath: ffmpeg,
		RTPPort:    rtpPort,
		ProducerID: producerID,
		CNAME:      params.Rtcp.CNAME,
	}
	if len(params.Codecs) > 0 {
		cfg.MimeType = params.Codecs[0].MimeType
		cfg.PayloadType = params.Codecs[0].PayloadType
		cfg.ClockRate = params.Codecs[0].ClockRate
	}
	if len(params.Encodings) > 0 {
		cfg.SSRC = params.Encodings[0].SSRC
	}
	return cfg
}

// handleFrame is the decoder callback. Exactly one frame wins the
// idle→initializing edge; frames during initialization are dropped, not
// queued; frames after ready flow through the transform into the encoder.
func (m *Manager) handleFrame(p *Pipeline, frame []byte, width, height int) {
	switch p.stage.Load() {
	case stageReady:
		m.writeProcessedFrame(p, frame, width, height)
	case stageIdle:
		if p.stage.CompareAndSwap(stageIdle, stageInitializing) {
			go m.initializePipeline(p, width, height)
		}
	default:
		// initializing or closed: drop
	}
}

// initializePipeline runs once per pipeline, on the first decoded frame:
// encoder start, warm-up, processed-producer publication, peer notification,
// then ready.
func (m *Manager) initializePipeline(p *Pipeline, width, height int) {
	ctx := context.Background()

	enc, err := m.startEncoder(ctx, media.EncoderConfig{
		FFmpegPath:  m.ffmpeg,
		EgressPort:  p.egressPort,
		Width:       width,
		Height:      height,
		MimeType:    firstMimeType(p.inputConsumer.RtpParameters()),
		PayloadType: firstPayloadType(p.inputConsumer.RtpParameters()),
	}, p.log)
	if err != nil {
		p.log.Error().Err(err).Msg("encoder start failed")
		m.failPipeline(p, "video processing failed")
		return
	}
	p.setEncoder(enc)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = enc.WaitWritable(waitCtx)
	cancel()
	if err != nil {
		p.log.Error().Err(err).Msg("encoder stdin not writable")
		m.failPipeline(p, "video processing failed")
		return
	}

	// Give the encoder a moment to consume codec setup before publishing.
	time.Sleep(m.encoderWarmup)

	if p.stage.Load() == stageClosed {
		return
	}

	src := p.inputConsumer.RtpParameters()
	processed, err := p.outputTransport.Produce(ctx, sfu.KindVideo, sfu.RtpParameters{
		Codecs:           src.Codecs,
		HeaderExtensions: src.HeaderExtensions,
		Encodings:        []sfu.RtpEncoding{{SSRC: enc.SSRC(), ScalabilityMode: "L1T1"}},
		Rtcp:             src.Rtcp,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("publish processed producer failed")
		m.failPipeline(p, "video processing failed")
		return
	}
	p.setProcessed(processed)

	// The producer enters the manager maps only once the pipeline is ready.
	// CAS and registration happen under the same lock closePipeline deletes
	// under, so teardown either sees both entries or neither.
	m.mu.Lock()
	if !p.stage.CompareAndSwap(stageInitializing, stageReady) {
		m.mu.Unlock()
		// Torn down while publishing; undo.
		_ = processed.Close()
		enc.Stop()
		return
	}
	m.producers[processed.ID()] = processed
	m.producerOwner[processed.ID()] = p.sessionID
	m.mu.Unlock()

	m.notifyPeer(p.sessionID, "new-producer", map[string]any{
		"producerId": processed.ID(),
		"kind":       "video",
	})
	p.log.Info().
		Str("processed", processed.ID()).
		Int("width", width).
		Int("height", height).
		Msg("pipeline ready")
}

func firstMimeType(params sfu.RtpParameters) string {
	if len(params.Codecs) > 0 {
		return params.Codecs[0].MimeType
	}
	return ""
}

func firstPayloadType(params sfu.RtpParameters) uint8 {
	if len(params.Codecs) > 0 {
		return params.Codecs[0].PayloadType
	}
	return 0
}

// writeProcessedFrame applies the owner's overlay settings and feeds the
// encoder. Frames against a dead stdin are dropped by the encoder itself.
func (m *Manager) writeProcessedFrame(p *Pipeline, frame []byte, width, height int) {
	enc := p.getEncoder()
	if enc == nil {
		return
	}

	m.mu.Lock()
	sess := m.sessions[p.sessionID]
	m.mu.Unlock()
	if sess != nil {
		settings := sess.Settings()
		if settings.Enabled {
			var img *overlay.Image
			if settings.OverlayURL != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				loaded, err := m.cache.Get(ctx, settings.OverlayURL)
				cancel()
				if err != nil {
					p.log.Debug().Err(err).Str("url", settings.OverlayURL).Msg("overlay load failed")
				} else {
					img = loaded
				}
			}
			frame = m.transform.Apply(frame, width, height, img, settings.Opacity)
		}
	}

	if err := enc.WriteFrame(frame); err != nil {
		p.log.Warn().Err(err).Msg("encoder write failed")
	}
}

func (m *Manager) failPipeline(p *Pipeline, message string) {
	m.mu.Lock()
	sess := m.sessions[p.sessionID]
	m.mu.Unlock()
	if sess != nil {
		sess.Emit("error", map[string]any{"message": message})
	}
	m.closePipeline(p)
}

// closePipeline tears one pipeline down in dependency order. Idempotent.
func (m *Manager) closePipeline(p *Pipeline) {
	p.closeOnce.Do(func() {
		p.stage.Store(stageClosed)

		if p.decoder != nil {
			p.decoder.Stop()
		}
		if enc := p.getEncoder(); enc != nil {
			enc.Stop()
		}
		_ = p.inputConsumer.Close()
		_ = p.inputTransport.Close()
		m.ports.Free(p.rtpPort, p.rtcpPort)
		_ = p.outputTransport.Close()

		if processed := p.getProcessed(); processed != nil {
			_ = processed.Close()
			m.mu.Lock()
			delete(m.producers, processed.ID())
			delete(m.producerOwner, processed.ID())
			m.mu.Unlock()
		}

		m.mu.Lock()
		delete(m.pipelines, p.producerID)
		m.mu.Unlock()

		p.log.Info().Msg("pipeline closed")
	})
}
