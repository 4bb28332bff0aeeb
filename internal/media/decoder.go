package media

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// FrameFunc receives one decoded RGB24 frame. Invocations are sequential and
// in decode order; the callback may hand work off but the decoder never
// reorders frames.
type FrameFunc func(frame []byte, width, height int)

type DecoderConfig struct {
	FFmpegPath string
	RTPPort    int
	ProducerID string

	// Negotiated codec of the inbound producer.
	MimeType    string // e.g. "video/VP8"
	PayloadType uint8
	ClockRate   uint32
	SSRC        uint32
	CNAME       string
}

// Decoder owns one external RTP-to-raw-frames process. It discovers the
// negotiated resolution from the process diagnostics and emits fixed-size
// RGB24 frames to the callback.
type Decoder struct {
	cfg     DecoderConfig
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	sdpPath string
	log     zerolog.Logger

	frames atomic.Int64
	width  atomic.Int32
	height atomic.Int32

	mu   sync.Mutex
	err  error
	done chan struct{}

	stopOnce sync.Once
}

// Lines like "Stream #0:0: Video: vp8, yuv420p, 640x480" carry the negotiated
// size; 3-4 digit dimensions only, matching real camera formats.
var resolutionRe = regexp.MustCompile(`(\d{3,4})x(\d{3,4})`)

const (
	decoderSilenceTimeout = 10 * time.Second
	processStopTimeout    = 2 * time.Second
)

// StartDecoder writes the session description for the inbound RTP, spawns the
// decoder process and begins pumping frames into onFrame.
func StartDecoder(ctx context.Context, cfg DecoderConfig, log zerolog.Logger, onFrame FrameFunc) (*Decoder, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.CNAME == "" {
		cfg.CNAME = "maskmeet"
	}

	sdpPath, err := writeSDP(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.FFmpegPath,
		"-hide_banner",
		"-loglevel", "info",
		"-protocol_whitelist", "file,udp,rtp",
		"-fflags", "nobuffer",
		"-i", sdpPath,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("decoder stderr: %w", err)
	}

	d := &Decoder{
		cfg:     cfg,
		cmd:     cmd,
		cancel:  cancel,
		sdpPath: sdpPath,
		log: log.With().
			Str("producer", cfg.ProducerID).
			Int("rtp_port", cfg.RTPPort).
			Logger(),
		done: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	d.log.Info().Msg("decoder started")

	resolutionKnown := make(chan struct{})

	// Diagnostics reader: resolution auto-detection plus error surfacing.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if d.width.Load() == 0 && strings.Contains(line, "Video") {
				if m := resolutionRe.FindStringSubmatch(line); m != nil {
					w, _ := strconv.Atoi(m[1])
					h, _ := strconv.Atoi(m[2])
					d.width.Store(int32(w))
					d.height.Store(int32(h))
					close(resolutionKnown)
					d.log.Info().Int("width", w).Int("height", h).Msg("resolution detected")
					continue
				}
			}
			if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				d.log.Warn().Str("line", line).Msg("decoder error output")
				d.fail(fmt.Errorf("decoder error: %s", line))
				return
			}
			d.log.Debug().Str("line", line).Msg("decoder")
		}
	}()

	// Silence watchdog: logged only, the decoder keeps running.
	go func() {
		timer := time.NewTimer(decoderSilenceTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			if d.frames.Load() == 0 {
				d.log.Warn().Msg("no frames decoded after 10s")
			}
		case <-d.done:
		}
	}()

	// Frame pump. The bootstrap capacity assumes VGA; the real frame size is
	// fixed once the resolution is known and nothing is emitted before then.
	go func() {
		defer d.finish()

		asm := newFrameAssembler(func(frame []byte) {
			d.frames.Add(1)
			onFrame(frame, int(d.width.Load()), int(d.height.Load()))
		})

		buf := make([]byte, 64*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				if asm.frameSize == 0 {
					select {
					case <-resolutionKnown:
						asm.setFrameSize(int(d.width.Load()) * int(d.height.Load()) * 3)
					default:
					}
				}
				asm.push(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	return d, nil
}

// Resolution reports the detected size, zero until known.
func (d *Decoder) Resolution() (int, int) {
	return int(d.width.Load()), int(d.height.Load())
}

// Frames reports how many frames have been emitted.
func (d *Decoder) Frames() int64 { return d.frames.Load() }

// Done closes when the decoder process has terminated.
func (d *Decoder) Done() <-chan struct{} { return d.done }

// Err returns the recorded failure, if any.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Decoder) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
	d.Stop()
}

func (d *Decoder) finish() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	_ = os.Remove(d.sdpPath)
}

// Stop terminates the process and waits for it to exit. Safe to call more
// than once.
func (d *Decoder) Stop() {
	d.stopOnce.Do(func() {
		terminate(d.cmd, d.cancel)
		d.log.Info().Int64("frames", d.frames.Load()).Msg("decoder stopped")
	})
}

/* ------------------------------ Frame assembly ------------------------------ */

// frameAssembler buffers raw decoder output and slices complete frames off the
// front once the frame size is known. Frames stay in arrival order.
type frameAssembler struct {
	buf       []byte
	frameSize int
	emit      func(frame []byte)
}

func newFrameAssembler(emit func(frame []byte)) *frameAssembler {
	return &frameAssembler{
		buf:  make([]byte, 0, 640*480*3),
		emit: emit,
	}
}

func (a *frameAssembler) setFrameSize(n int) { a.frameSize = n }

func (a *frameAssembler) push(b []byte) {
	a.buf = append(a.buf, b...)
	if a.frameSize == 0 {
		return
	}
	for len(a.buf) >= a.frameSize {
		frame := make([]byte, a.frameSize)
		copy(frame, a.buf[:a.frameSize])
		a.buf = a.buf[a.frameSize:]
		a.emit(frame)
	}
	if len(a.buf) == 0 {
		a.buf = a.buf[:0]
	}
}

/* --------------------------------- Helpers --------------------------------- */

// writeSDP renders the minimal session description the decoder consumes.
func writeSDP(cfg DecoderConfig) (string, error) {
	codec := cfg.MimeType
	if i := strings.IndexByte(codec, '/'); i >= 0 {
		codec = codec[i+1:]
	}
	clock := cfg.ClockRate
	if clock == 0 {
		clock = 90000
	}

	var sb strings.Builder
	sb.WriteString("v=0\r\n")
	sb.WriteString("o=- 0 0 IN IP4 127.0.0.1\r\n")
	sb.WriteString("s=maskmeet\r\n")
	sb.WriteString("c=IN IP4 127.0.0.1\r\n")
	sb.WriteString("t=0 0\r\n")
	fmt.Fprintf(&sb, "m=video %d RTP/AVP %d\r\n", cfg.RTPPort, cfg.PayloadType)
	fmt.Fprintf(&sb, "a=rtpmap:%d %s/%d\r\n", cfg.PayloadType, codec, clock)
	if cfg.SSRC != 0 {
		fmt.Fprintf(&sb, "a=ssrc:%d cname:%s\r\n", cfg.SSRC, cfg.CNAME)
	}

	f, err := os.CreateTemp("", "maskmeet-*.sdp")
	if err != nil {
		return "", fmt.Errorf("sdp temp file: %w", err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write sdp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close sdp: %w", err)
	}
	return f.Name(), nil
}

// terminate signals the process, waits briefly, then forces the kill through
// the command context.
func terminate(cmd *exec.Cmd, cancel context.CancelFunc) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(processStopTimeout):
		cancel()
		<-waited
	}
	cancel()
}
