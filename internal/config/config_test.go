package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.WaitingRoomDefaultEnabled)
	assert.True(t, cfg.RaiseHandsDefaultEnabled)
	assert.True(t, cfg.ChatDefaultEnabled)
	assert.Equal(t, 4096, cfg.ChatMaxMessageSize)

	assert.Equal(t, 2, cfg.PollChoiceLimits.Min)
	assert.Equal(t, 64, cfg.PollChoiceLimits.Max)
	assert.Equal(t, 2, cfg.PollChoiceLimits.DescMin)
	assert.Equal(t, 100, cfg.PollChoiceLimits.DescMax)
	assert.Equal(t, 2*time.Second, cfg.PollDurationLimits.Min)
	assert.Equal(t, time.Hour, cfg.PollDurationLimits.Max)

	assert.Equal(t, time.Duration(0), cfg.TimerDurationLimits.Min)
	assert.Equal(t, 24*time.Hour, cfg.TimerDurationLimits.Max)

	assert.True(t, cfg.ModulesEnabled["control"])
	assert.True(t, cfg.ModulesEnabled["chat"])
}

func TestLoad_RequiresControlModule(t *testing.T) {
	t.Setenv("MODULES_ENABLED", "chat")
	_, err := config.Load()
	assert.Error(t, err)
}
