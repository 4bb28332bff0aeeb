package sfu

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pionWebRtcTransport adapts a pion PeerConnection to the router's transport
// contract. Negotiation is server-driven: the transport keeps a local offer
// up to date and synthesises the remote answer from the parameters the client
// supplied on connect.
type pionWebRtcTransport struct {
	id     string
	router *pionRouter
	pc     *webrtc.PeerConnection

	iceParams  ICEParameters
	candidates []ICECandidate
	dtlsParams DtlsParameters

	mu        sync.Mutex
	remote    *WebRtcConnectParams
	pending   map[uint32]*producer // keyed by announced SSRC
	unmatched []*producer          // produce without SSRC, matched by kind
	consumers map[string]*webrtcConsumer
	closed    bool
}

func newWebRtcTransport(ctx context.Context, r *pionRouter) (*pionWebRtcTransport, error) {
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	// A datachannel m-section forces ICE gathering before any media exists.
	if _, err := pc.CreateDataChannel("sfu", nil); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("bootstrap datachannel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	t := &pionWebRtcTransport{
		id:        uuid.NewString(),
		router:    r,
		pc:        pc,
		pending:   make(map[uint32]*producer),
		consumers: make(map[string]*webrtcConsumer),
	}
	local := pc.LocalDescription().SDP
	t.iceParams, t.dtlsParams = parseTransportParams(local)
	t.candidates = parseCandidates(local, r.cfg.AnnouncedIP)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		prod := t.matchProducer(uint32(remote.SSRC()), kindOf(remote.Kind()))
		if prod == nil {
			r.log.Warn().
				Str("transport", t.id).
				Uint32("ssrc", uint32(remote.SSRC())).
				Msg("track without matching producer")
			return
		}
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			prod.write(pkt)
		}
	})

	return t, nil
}

func (t *pionWebRtcTransport) ID() string                   { return t.id }
func (t *pionWebRtcTransport) ICEParameters() ICEParameters { return t.iceParams }
func (t *pionWebRtcTransport) ICECandidates() []ICECandidate {
	return append([]ICECandidate(nil), t.candidates...)
}
func (t *pionWebRtcTransport) DtlsParameters() DtlsParameters { return t.dtlsParams }

func (t *pionWebRtcTransport) Connect(params WebRtcConnectParams) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.remote = &params
	t.mu.Unlock()
	return t.applyRemoteAnswer()
}

// applyRemoteAnswer mirrors the current local offer into an answer carrying
// the client's credentials and applies it.
func (t *pionWebRtcTransport) applyRemoteAnswer() error {
	t.mu.Lock()
	remote := t.remote
	t.mu.Unlock()
	if remote == nil {
		return nil
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return errors.New("no local description")
	}
	answer := buildRemoteAnswer(local.SDP, *remote)
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
}

func (t *pionWebRtcTransport) renegotiate() error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("renegotiate offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("renegotiate local: %w", err)
	}
	return t.applyRemoteAnswer()
}

func (t *pionWebRtcTransport) Produce(_ context.Context, kind MediaKind, params RtpParameters) (Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.mu.Unlock()

	prod := newProducer(t.router, kind, params, func() error {
		if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
			return nil
		}
		return t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: params.Encodings[0].SSRC},
		})
	})

	t.mu.Lock()
	if len(params.Encodings) > 0 && params.Encodings[0].SSRC != 0 {
		t.pending[params.Encodings[0].SSRC] = prod
	} else {
		t.unmatched = append(t.unmatched, prod)
	}
	t.mu.Unlock()

	if _, err := t.pc.AddTransceiverFromKind(codecTypeOf(kind), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = prod.Close()
		return nil, fmt.Errorf("add recv transceiver: %w", err)
	}
	if err := t.renegotiate(); err != nil {
		_ = prod.Close()
		return nil, err
	}
	return prod, nil
}

func (t *pionWebRtcTransport) matchProducer(ssrc uint32, kind MediaKind) *producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prod, ok := t.pending[ssrc]; ok {
		delete(t.pending, ssrc)
		return prod
	}
	for i, prod := range t.unmatched {
		if prod.Kind() == kind {
			t.unmatched = append(t.unmatched[:i], t.unmatched[i+1:]...)
			return prod
		}
	}
	return nil
}

func (t *pionWebRtcTransport) Consume(_ context.Context, producerID string, caps RtpCapabilities, paused bool) (Consumer, error) {
	if !t.router.CanConsume(producerID, caps) {
		return nil, fmt.Errorf("cannot consume producer %s", producerID)
	}
	prodIface, ok := t.router.Producer(producerID)
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}
	prod := prodIface.(*producer)
	src := prod.RtpParameters()
	if len(src.Codecs) == 0 {
		return nil, fmt.Errorf("producer %s has no codec", producerID)
	}
	codec := webrtc.RTPCodecCapability{
		MimeType:  src.Codecs[0].MimeType,
		ClockRate: src.Codecs[0].ClockRate,
		Channels:  src.Codecs[0].Channels,
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, prod.ID(), "maskmeet")
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &webrtcConsumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       prod.Kind(),
		transport:  t,
		producer:   prod,
		track:      track,
		sender:     sender,
	}
	c.paused.Store(paused)
	c.params = RtpParameters{
		Codecs:           src.Codecs,
		HeaderExtensions: src.HeaderExtensions,
		Encodings:        []RtpEncoding{{SSRC: randomSSRC()}},
		Rtcp:             src.Rtcp,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	prod.addSink(c.id, c.forward)
	go c.relayRTCP()

	if err := t.renegotiate(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (t *pionWebRtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*webrtcConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	var producers []*producer
	for _, p := range t.pending {
		producers = append(producers, p)
	}
	producers = append(producers, t.unmatched...)
	t.mu.Unlock()

	for _, c := range consumers {
		c.producer.removeSink(c.id)
	}
	for _, p := range producers {
		_ = p.Close()
	}
	return t.pc.Close()
}

/* ----------------------------- WebRTC consumer ----------------------------- */

type webrtcConsumer struct {
	id         string
	producerID string
	kind       MediaKind
	params     RtpParameters
	transport  *pionWebRtcTransport
	producer   *producer
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	paused     atomic.Bool
}

func (c *webrtcConsumer) ID() string                   { return c.id }
func (c *webrtcConsumer) ProducerID() string           { return c.producerID }
func (c *webrtcConsumer) Kind() MediaKind              { return c.kind }
func (c *webrtcConsumer) RtpParameters() RtpParameters { return c.params }

func (c *webrtcConsumer) Resume() error {
	c.paused.Store(false)
	return c.producer.RequestKeyFrame()
}

func (c *webrtcConsumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *webrtcConsumer) forward(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	_ = c.track.WriteRTP(pkt)
}

func (c *webrtcConsumer) relayRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				_ = c.producer.RequestKeyFrame()
			}
		}
	}
}

func (c *webrtcConsumer) Close() error {
	c.producer.removeSink(c.id)
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	return c.transport.pc.RemoveTrack(c.sender)
}

/* --------------------------------- Helpers --------------------------------- */

func kindOf(t webrtc.RTPCodecType) MediaKind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

func codecTypeOf(k MediaKind) webrtc.RTPCodecType {
	if k == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func randomSSRC() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}

// parseTransportParams pulls the ICE credentials and DTLS fingerprint out of a
// local SDP.
func parseTransportParams(sdp string) (ICEParameters, DtlsParameters) {
	var ice ICEParameters
	var dtls DtlsParameters
	for _, line := range strings.Split(sdp, "\r\n") {
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			if ice.UsernameFragment == "" {
				ice.UsernameFragment = strings.TrimPrefix(line, "a=ice-ufrag:")
			}
		case strings.HasPrefix(line, "a=ice-pwd:"):
			if ice.Password == "" {
				ice.Password = strings.TrimPrefix(line, "a=ice-pwd:")
			}
		case strings.HasPrefix(line, "a=fingerprint:"):
			if len(dtls.Fingerprints) == 0 {
				rest := strings.TrimPrefix(line, "a=fingerprint:")
				if algo, value, ok := strings.Cut(rest, " "); ok {
					dtls.Fingerprints = append(dtls.Fingerprints, DtlsFingerprint{
						Algorithm: algo,
						Value:     value,
					})
				}
			}
		case strings.HasPrefix(line, "a=setup:"):
			if dtls.Role == "" {
				dtls.Role = strings.TrimPrefix(line, "a=setup:")
			}
		}
	}
	return ice, dtls
}

// parseCandidates extracts host candidates from the SDP, rewriting the IP when
// the router announces a public one.
func parseCandidates(sdp, announcedIP string) []ICECandidate {
	var out []ICECandidate
	seen := make(map[string]bool)
	for _, line := range strings.Split(sdp, "\r\n") {
		if !strings.HasPrefix(line, "a=candidate:") {
			continue
		}
		// a=candidate:<foundation> <component> <protocol> <priority> <ip> <port> typ <type> ...
		fields := strings.Fields(strings.TrimPrefix(line, "a=candidate:"))
		if len(fields) < 8 || fields[6] != "typ" {
			continue
		}
		priority, _ := strconv.ParseUint(fields[3], 10, 32)
		port, _ := strconv.Atoi(fields[5])
		ip := fields[4]
		if announcedIP != "" {
			ip = announcedIP
		}
		key := fields[2] + "/" + ip + ":" + fields[5]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ICECandidate{
			Foundation: fields[0],
			Priority:   uint32(priority),
			IP:         ip,
			Protocol:   strings.ToLower(fields[2]),
			Port:       port,
			Type:       fields[7],
		})
	}
	return out
}

// buildRemoteAnswer mirrors a local offer into the answer a well-behaved
// client would send: same m-sections, the client's credentials, inverted
// setup role and media directions.
func buildRemoteAnswer(offer string, remote WebRtcConnectParams) string {
	lines := strings.Split(offer, "\r\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			if remote.ICE != nil {
				line = "a=ice-ufrag:" + remote.ICE.UsernameFragment
			}
		case strings.HasPrefix(line, "a=ice-pwd:"):
			if remote.ICE != nil {
				line = "a=ice-pwd:" + remote.ICE.Password
			}
		case strings.HasPrefix(line, "a=fingerprint:"):
			if len(remote.Dtls.Fingerprints) > 0 {
				fp := remote.Dtls.Fingerprints[0]
				line = "a=fingerprint:" + fp.Algorithm + " " + fp.Value
			}
		case strings.HasPrefix(line, "a=setup:"):
			line = "a=setup:active"
		case line == "a=recvonly":
			line = "a=sendonly"
		case line == "a=sendonly":
			line = "a=recvonly"
		case strings.HasPrefix(line, "a=candidate:"):
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\r\n")
}
