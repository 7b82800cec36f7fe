package ratelimit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshtalk/internal/config"
	"meshtalk/internal/meshtalkerr"
)

// Scenario 6: rate limit surfacing.
func TestAllow_PerConnectionCapSurfacesRetryAfter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.PerConnection = 10
	l := New(cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow("conn-1", "dev-1"))
	}

	err := l.Allow("conn-1", "dev-1")
	require.Error(t, err)

	var rle *meshtalkerr.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, meshtalkerr.LimitConnection, rle.LimitType)
	assert.Greater(t, rle.RetryAfter, 0.0)
	assert.LessOrEqual(t, rle.RetryAfter, 60.0)
	assert.True(t, errors.Is(err, meshtalkerr.ErrRateLimitExceeded))
}

func TestAllow_DeviceCapIndependentOfConnection(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.PerConnection = 100
	cfg.RateLimit.PerDevice = 3
	l := New(cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("conn-"+string(rune('a'+i)), "dev-1"))
	}

	err := l.Allow("conn-x", "dev-1")
	require.Error(t, err)
	var rle *meshtalkerr.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, meshtalkerr.LimitDevice, rle.LimitType)
}

func TestAllow_GlobalCapOverridesOthers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.PerConnection = 1000
	cfg.RateLimit.PerDevice = 1000
	cfg.RateLimit.Global = 2
	l := New(cfg)

	require.NoError(t, l.Allow("c1", "d1"))
	require.NoError(t, l.Allow("c2", "d2"))

	err := l.Allow("c3", "d3")
	require.Error(t, err)
	var rle *meshtalkerr.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, meshtalkerr.LimitGlobal, rle.LimitType)
}

func TestAllow_DisabledNeverLimits(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.PerConnection = 1
	l := New(cfg)

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Allow("conn-1", "dev-1"))
	}
}

func TestAllow_IndependentConnectionsEachGetOwnBucket(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.PerConnection = 1
	cfg.RateLimit.PerDevice = 1000
	cfg.RateLimit.Global = 1000
	l := New(cfg)

	require.NoError(t, l.Allow("conn-1", "dev-1"))
	require.NoError(t, l.Allow("conn-2", "dev-2"))

	assert.Error(t, l.Allow("conn-1", "dev-1"))
	assert.Error(t, l.Allow("conn-2", "dev-2"))
}
