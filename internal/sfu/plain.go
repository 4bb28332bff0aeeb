package sfu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

var errTransportClosed = errors.New("transport closed")

// pionPlainTransport speaks plain RTP/RTCP over loopback UDP. In comedia mode
// it learns its remote endpoint from the first packet it receives; otherwise
// Connect must be called before consumers emit anything.
type pionPlainTransport struct {
	id     string
	router *pionRouter
	opts   PlainTransportOptions

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	mu         sync.Mutex
	remoteRTP  *net.UDPAddr
	remoteRTCP *net.UDPAddr
	consumers  map[string]*plainConsumer
	producers  []*producer
	closed     bool
	done       chan struct{}
}

func newPlainTransport(r *pionRouter, opts PlainTransportOptions) (*pionPlainTransport, error) {
	if opts.ListenIP == "" {
		opts.ListenIP = r.cfg.ListenIP
	}
	rtpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(opts.ListenIP)})
	if err != nil {
		return nil, fmt.Errorf("bind plain rtp socket: %w", err)
	}
	t := &pionPlainTransport{
		id:        uuid.NewString(),
		router:    r,
		opts:      opts,
		rtpConn:   rtpConn,
		consumers: make(map[string]*plainConsumer),
		done:      make(chan struct{}),
	}
	if !opts.RtcpMux {
		rtcpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(opts.ListenIP)})
		if err != nil {
			_ = rtpConn.Close()
			return nil, fmt.Errorf("bind plain rtcp socket: %w", err)
		}
		t.rtcpConn = rtcpConn
		go t.drainRTCP()
	}
	return t, nil
}

func (t *pionPlainTransport) ID() string { return t.id }

func (t *pionPlainTransport) Tuple() TransportTuple {
	addr := t.rtpConn.LocalAddr().(*net.UDPAddr)
	return TransportTuple{LocalIP: addr.IP.String(), LocalPort: addr.Port}
}

func (t *pionPlainTransport) RtcpTuple() TransportTuple {
	if t.rtcpConn == nil {
		return t.Tuple()
	}
	addr := t.rtcpConn.LocalAddr().(*net.UDPAddr)
	return TransportTuple{LocalIP: addr.IP.String(), LocalPort: addr.Port}
}

func (t *pionPlainTransport) Connect(ip string, port, rtcpPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if t.opts.Comedia {
		return errors.New("connect called on comedia transport")
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid remote ip %q", ip)
	}
	t.remoteRTP = &net.UDPAddr{IP: parsed, Port: port}
	if rtcpPort > 0 {
		t.remoteRTCP = &net.UDPAddr{IP: parsed, Port: rtcpPort}
	}
	return nil
}

// Produce ingests RTP arriving on the transport's socket as a new producer.
// Comedia only: the remote address is whatever sends the first packet.
func (t *pionPlainTransport) Produce(_ context.Context, kind MediaKind, params RtpParameters) (Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	prod := newProducer(t.router, kind, params, nil)
	t.producers = append(t.producers, prod)
	t.mu.Unlock()

	go t.readLoop(prod)
	return prod, nil
}

func (t *pionPlainTransport) readLoop(prod *producer) {
	buf := make([]byte, 1500)
	learned := false
	for {
		n, addr, err := t.rtpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !learned {
			t.mu.Lock()
			t.remoteRTP = addr
			t.mu.Unlock()
			t.router.log.Debug().
				Str("transport", t.id).
				Str("remote", addr.String()).
				Msg("comedia remote learned")
			learned = true
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		prod.write(pkt)
	}
}

func (t *pionPlainTransport) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.rtcpConn.ReadFromUDP(buf); err != nil {
			return
		}
	}
}

func (t *pionPlainTransport) Consume(_ context.Context, producerID string, caps RtpCapabilities, paused bool) (Consumer, error) {
	if !t.router.CanConsume(producerID, caps) {
		return nil, fmt.Errorf("cannot consume producer %s", producerID)
	}
	prodIface, ok := t.router.Producer(producerID)
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}
	prod := prodIface.(*producer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	c := &plainConsumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       prod.Kind(),
		params:     prod.RtpParameters(),
		transport:  t,
		producer:   prod,
	}
	c.paused.Store(paused)
	t.consumers[c.id] = c
	t.mu.Unlock()

	prod.addSink(c.id, c.forward)

	// Nudge the origin so the fresh consumer starts on an intra frame.
	if prod.Kind() == KindVideo {
		go func() {
			for i := 0; i < 3; i++ {
				_ = prod.RequestKeyFrame()
				time.Sleep(200 * time.Millisecond)
			}
		}()
	}
	return c, nil
}

func (t *pionPlainTransport) writeRTP(pkt *rtp.Packet) {
	t.mu.Lock()
	remote := t.remoteRTP
	closed := t.closed
	t.mu.Unlock()
	if closed || remote == nil {
		return
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	_, _ = t.rtpConn.WriteToUDP(raw, remote)
}

func (t *pionPlainTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*plainConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := t.producers
	close(t.done)
	t.mu.Unlock()

	for _, c := range consumers {
		c.detach()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	_ = t.rtpConn.Close()
	if t.rtcpConn != nil {
		_ = t.rtcpConn.Close()
	}
	return nil
}

/* ----------------------------- Plain consumer ------------------------------ */

type plainConsumer struct {
	id         string
	producerID string
	kind       MediaKind
	params     RtpParameters
	transport  *pionPlainTransport
	producer   *producer
	paused     atomic.Bool
}

func (c *plainConsumer) ID() string                   { return c.id }
func (c *plainConsumer) ProducerID() string           { return c.producerID }
func (c *plainConsumer) Kind() MediaKind              { return c.kind }
func (c *plainConsumer) RtpParameters() RtpParameters { return c.params }

func (c *plainConsumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *plainConsumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *plainConsumer) forward(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	c.transport.writeRTP(pkt)
}

func (c *plainConsumer) detach() {
	c.producer.removeSink(c.id)
}

func (c *plainConsumer) Close() error {
	c.detach()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	return nil
}
