package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full server configuration, loaded from MASKMEET_* environment
// variables.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// ListenIP is the loopback address the plain transports and the media
	// processes talk over. Media never leaves the host unencrypted.
	ListenIP string `envconfig:"LISTEN_IP" default:"127.0.0.1"`

	// AnnouncedIP is what ICE candidates advertise to clients.
	AnnouncedIP string `envconfig:"ANNOUNCED_IP" default:""`

	FFmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// Port range handed to the decoder-side allocator. Pairs are (rtp, rtp+1).
	RTPPortBase int `envconfig:"RTP_PORT_BASE" default:"20000"`
	RTPPortMax  int `envconfig:"RTP_PORT_MAX" default:"29998"`

	// DatabaseDSN is the postgres DSN backing the REST surface. Empty disables
	// the REST API (the meeting core runs standalone).
	DatabaseDSN string `envconfig:"DATABASE_DSN" default:""`

	// AuthURL is the identity-provider endpoint bearer tokens are verified
	// against (GET with the Authorization header forwarded).
	AuthURL string `envconfig:"AUTH_URL" default:""`

	// ProfileSecret seeds the scrypt key for stored profile field encryption.
	ProfileSecret string `envconfig:"PROFILE_SECRET" default:""`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("maskmeet", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.RTPPortBase <= 0 || cfg.RTPPortMax <= cfg.RTPPortBase {
		return Config{}, fmt.Errorf("invalid rtp port range %d-%d", cfg.RTPPortBase, cfg.RTPPortMax)
	}
	return cfg, nil
}
