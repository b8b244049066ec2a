package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, defaultMTU, cfg.Progress.MaxDataPayload)
	assert.Equal(t, defaultMaxOutstandingTx, cfg.Progress.MaxOutstandingTxPerPeer)
	assert.Equal(t, defaultMaxBackoff, cfg.Progress.MaxBackoff)
	assert.Equal(t, defaultTxMinCredits, cfg.Progress.TxMinCredits)
	assert.Equal(t, defaultCQReadSize, cfg.CQReadSize)
	assert.False(t, cfg.EnableSHM)
}

func TestLoadOverridesFromFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--" + KeyMTU, "8192",
		"--" + KeyEnableSHM + "=true",
		"--" + KeyMaxBackoff, "3s",
	}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.Progress.MaxDataPayload)
	assert.True(t, cfg.EnableSHM)
	assert.Equal(t, 3*time.Second, cfg.Progress.MaxBackoff)
}
