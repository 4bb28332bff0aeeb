package sfu

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlain(t *testing.T, r *pionRouter, opts PlainTransportOptions) *pionPlainTransport {
	t.Helper()
	if opts.ListenIP == "" {
		opts.ListenIP = "127.0.0.1"
	}
	pt, err := newPlainTransport(r, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pt.Close() })
	return pt
}

func TestPlainTransportTuples(t *testing.T) {
	pt := newTestPlain(t, testRouter(), PlainTransportOptions{RtcpMux: false})

	rtpTuple := pt.Tuple()
	rtcpTuple := pt.RtcpTuple()
	assert.Equal(t, "127.0.0.1", rtpTuple.LocalIP)
	assert.NotZero(t, rtpTuple.LocalPort)
	assert.NotZero(t, rtcpTuple.LocalPort)
	assert.NotEqual(t, rtpTuple.LocalPort, rtcpTuple.LocalPort)
}

func TestPlainTransportRtcpMuxSharesPort(t *testing.T) {
	pt := newTestPlain(t, testRouter(), PlainTransportOptions{RtcpMux: true})

	assert.Equal(t, pt.Tuple().LocalPort, pt.RtcpTuple().LocalPort)
}

func TestPlainTransportConnectRejectsComedia(t *testing.T) {
	pt := newTestPlain(t, testRouter(), PlainTransportOptions{Comedia: true, RtcpMux: true})

	err := pt.Connect("127.0.0.1", 20000, 20001)
	assert.Error(t, err)
}

func TestPlainTransportConnectValidatesIP(t *testing.T) {
	pt := newTestPlain(t, testRouter(), PlainTransportOptions{RtcpMux: true})

	assert.Error(t, pt.Connect("not-an-ip", 20000, 20001))
	assert.NoError(t, pt.Connect("127.0.0.1", 20000, 20001))
}

func TestPlainTransportConsumeForwardsToRemote(t *testing.T) {
	r := testRouter()
	prod := newProducer(r, KindVideo, videoParams(), nil)

	// Stand in for the decoder's RTP socket.
	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sink.Close()
	sinkPort := sink.LocalAddr().(*net.UDPAddr).Port

	pt := newTestPlain(t, r, PlainTransportOptions{RtcpMux: true})
	require.NoError(t, pt.Connect("127.0.0.1", sinkPort, 0))

	cons, err := pt.Consume(context.Background(), prod.ID(), r.RtpCapabilities(), false)
	require.NoError(t, err)
	defer cons.Close()

	prod.write(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, SSRC: 4242},
		Payload: []byte{0xde, 0xad},
	})

	require.NoError(t, sink.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := sink.ReadFromUDP(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, uint32(4242), got.SSRC)
	assert.Equal(t, []byte{0xde, 0xad}, got.Payload)
}

func TestPlainTransportPausedConsumerDropsPackets(t *testing.T) {
	r := testRouter()
	prod := newProducer(r, KindAudio, RtpParameters{
		Codecs: []RtpCodec{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000}},
	}, nil)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sink.Close()

	pt := newTestPlain(t, r, PlainTransportOptions{RtcpMux: true})
	require.NoError(t, pt.Connect("127.0.0.1", sink.LocalAddr().(*net.UDPAddr).Port, 0))

	cons, err := pt.Consume(context.Background(), prod.ID(), RtpCapabilities{
		Codecs: []RtpCodec{{MimeType: "audio/opus"}},
	}, true)
	require.NoError(t, err)
	defer cons.Close()

	prod.write(&rtp.Packet{Header: rtp.Header{Version: 2}})

	require.NoError(t, sink.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = sink.ReadFromUDP(make([]byte, 1500))
	assert.Error(t, err, "paused consumer must not emit")
}

func TestPlainTransportComediaIngest(t *testing.T) {
	r := testRouter()
	pt := newTestPlain(t, r, PlainTransportOptions{Comedia: true, RtcpMux: true})

	prodIface, err := pt.Produce(context.Background(), KindVideo, videoParams())
	require.NoError(t, err)
	prod := prodIface.(*producer)

	var received atomic.Int32
	prod.addSink("test", func(*rtp.Packet) { received.Add(1) })

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.ParseIP("127.0.0.1"),
		Port: pt.Tuple().LocalPort,
	})
	require.NoError(t, err)
	defer client.Close()

	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SSRC: 4242},
		Payload: []byte{1},
	}).Marshal()
	require.NoError(t, err)
	_, err = client.Write(raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The transport learned the client as its comedia remote.
	pt.mu.Lock()
	remote := pt.remoteRTP
	pt.mu.Unlock()
	require.NotNil(t, remote)
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, remote.Port)
}
