package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "127.0.0.1", cfg.ListenIP)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, 20000, cfg.RTPPortBase)
	assert.Equal(t, 29998, cfg.RTPPortMax)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MASKMEET_HTTP_ADDR", ":9090")
	t.Setenv("MASKMEET_ANNOUNCED_IP", "203.0.113.9")
	t.Setenv("MASKMEET_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "203.0.113.9", cfg.AnnouncedIP)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidPortRange(t *testing.T) {
	t.Setenv("MASKMEET_RTP_PORT_BASE", "30000")
	t.Setenv("MASKMEET_RTP_PORT_MAX", "20000")

	_, err := Load()
	assert.Error(t, err)
}
