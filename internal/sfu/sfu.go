// Package sfu provides the selective-forwarding primitives the meeting core is
// written against: a router owning producers, WebRTC transports for clients and
// plain RTP transports for the local media processes. The concrete
// implementation runs on pion; tests substitute fakes.
package sfu

import "context"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// RtpCodec describes one negotiated codec within RtpParameters.
type RtpCodec struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpHeaderExtension struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RtpEncoding struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// RtpParameters is the wire shape clients send on produce and receive on
// consume.
type RtpParameters struct {
	MID              string               `json:"mid,omitempty"`
	Codecs           []RtpCodec           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncoding        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters       `json:"rtcp,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodec           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// ICEParameters / ICECandidate / DtlsParameters are the transport-level
// parameters exchanged during create-transport / connect-transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// PlainTransportOptions mirror the plain-transport creation contract. With
// Comedia the transport learns its remote endpoint from the first packet it
// receives instead of an explicit Connect.
type PlainTransportOptions struct {
	ListenIP string
	RtcpMux  bool
	Comedia  bool
}

// TransportTuple reports the local RTP endpoint of a plain transport.
type TransportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort int    `json:"localPort"`
}

type Router interface {
	RtpCapabilities() RtpCapabilities
	CanConsume(producerID string, caps RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	Producer(id string) (Producer, bool)
	Close() error
}

type WebRtcTransport interface {
	ID() string
	ICEParameters() ICEParameters
	ICECandidates() []ICECandidate
	DtlsParameters() DtlsParameters
	Connect(params WebRtcConnectParams) error
	Produce(ctx context.Context, kind MediaKind, params RtpParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RtpCapabilities, paused bool) (Consumer, error)
	Close() error
}

// WebRtcConnectParams is what connect-transport hands the transport. ICE is
// optional: clients driving their own ICE omit it.
type WebRtcConnectParams struct {
	Dtls DtlsParameters `json:"dtlsParameters"`
	ICE  *ICEParameters `json:"iceParameters,omitempty"`
}

type PlainTransport interface {
	ID() string
	Connect(ip string, port, rtcpPort int) error
	Produce(ctx context.Context, kind MediaKind, params RtpParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RtpCapabilities, paused bool) (Consumer, error)
	Tuple() TransportTuple
	RtcpTuple() TransportTuple
	Close() error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	// RequestKeyFrame asks the origin for an intra frame; a no-op for
	// producers without an RTCP path back to the sender.
	RequestKeyFrame() error
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Resume() error
	Pause() error
	Close() error
}
