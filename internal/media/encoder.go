package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

type EncoderConfig struct {
	FFmpegPath string
	EgressPort int
	Width      int
	Height     int

	// Codec parameters copied from the inbound consumer; a random SSRC is
	// used when absent.
	MimeType    string
	PayloadType uint8
	SSRC        uint32
}

// Encoder owns one external raw-frames-to-RTP process. Frames of exactly
// Width*Height*3 bytes are written to its stdin; encoded RTP goes to
// 127.0.0.1:EgressPort.
type Encoder struct {
	cfg    EncoderConfig
	cmd    *exec.Cmd
	cancel context.CancelFunc
	log    zerolog.Logger

	mu     sync.Mutex
	stdin  io.WriteCloser
	exited atomic.Bool
	closed atomic.Bool

	stopOnce sync.Once
}

const encoderReadyTimeout = 5 * time.Second

var errEncoderExited = errors.New("encoder process exited")

// StartEncoder spawns the encoder process. The stdin sink is not guaranteed
// writable until WaitWritable returns.
func StartEncoder(ctx context.Context, cfg EncoderConfig, log zerolog.Logger) (*Encoder, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = 96
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.FFmpegPath, buildEncoderArgs(cfg)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}

	e := &Encoder{
		cfg:    cfg,
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		log: log.With().
			Int("egress_port", cfg.EgressPort).
			Int("width", cfg.Width).
			Int("height", cfg.Height).
			Logger(),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	e.log.Info().Msg("encoder started")

	go func() {
		_ = cmd.Wait()
		e.exited.Store(true)
	}()

	return e, nil
}

// buildEncoderArgs targets real-time encoding: realtime deadline, cpu-used 4,
// 500 kbps, a keyframe every 30 frames.
func buildEncoderArgs(cfg EncoderConfig) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", "30",
		"-i", "pipe:0",
		"-an",
	}
	if strings.EqualFold(cfg.MimeType, "video/H264") {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
		)
	} else {
		args = append(args,
			"-c:v", "libvpx",
			"-deadline", "realtime",
			"-cpu-used", "4",
		)
	}
	args = append(args,
		"-b:v", "500k",
		"-g", "30",
		"-ssrc", strconv.FormatUint(uint64(cfg.SSRC), 10),
		"-payload_type", strconv.Itoa(int(cfg.PayloadType)),
		"-f", "rtp",
		fmt.Sprintf("rtp://127.0.0.1:%d?rtcpport=%d", cfg.EgressPort, cfg.EgressPort+1),
	)
	return args
}

// SSRC reports the stream id the encoder transmits with.
func (e *Encoder) SSRC() uint32 { return e.cfg.SSRC }

// WaitWritable polls until the process has a live stdin, failing after 5s.
func (e *Encoder) WaitWritable(ctx context.Context) error {
	return retry.Do(
		func() error {
			if e.closed.Load() {
				return retry.Unrecoverable(errEncoderExited)
			}
			if e.exited.Load() {
				return retry.Unrecoverable(errEncoderExited)
			}
			if e.cmd.Process == nil {
				return errors.New("encoder not started")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(encoderReadyTimeout/(100*time.Millisecond))),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// WriteFrame feeds one raw frame to the encoder. Writes against a closed or
// dead stdin are dropped silently.
func (e *Encoder) WriteFrame(frame []byte) error {
	if e.closed.Load() || e.exited.Load() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdin == nil {
		return nil
	}
	if _, err := e.stdin.Write(frame); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			e.closed.Store(true)
			return nil
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Stop closes stdin (ignoring broken pipes), terminates the process and waits
// for it to exit. Safe to call more than once.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		e.mu.Lock()
		if e.stdin != nil {
			_ = e.stdin.Close()
			e.stdin = nil
		}
		e.mu.Unlock()

		if e.cmd.Process != nil {
			_ = e.cmd.Process.Signal(syscall.SIGTERM)
		}
		deadline := time.Now().Add(processStopTimeout)
		for !e.exited.Load() && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		e.cancel()
		e.log.Info().Msg("encoder stopped")
	})
}
