// Package config loads the endpoint/provider tunables of progress.Config
// and endpoint.Config from flags, environment variables and an optional
// config file, mirroring the teacher's app.Flags/app.Before wiring
// (cmd/evm-node/main.go) but with a real layered loader instead of a flat
// DatabaseFlags slice: github.com/spf13/pflag registers the flags,
// github.com/spf13/viper binds them (plus env vars and an optional file),
// and github.com/spf13/cast normalizes the duration/byte-size values viper
// hands back as interface{} into the typed fields below.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/efacore/progress"
)

// Keys are the flag/env/file names this package binds. Env vars use the
// EFA_ prefix with underscores in place of dashes (viper.SetEnvKeyReplacer).
const (
	KeyMTU              = "mtu"
	KeyMaxOutstandingTx = "max-outstanding-tx"
	KeyMaxBackoff       = "max-backoff"
	KeyRecvBufSize      = "recv-buf-size"
	KeyWatchdogInterval = "watchdog-interval"
	KeyTxMinCredits     = "tx-min-credits"
	KeyCQReadSize       = "cq-read-size"
	KeySrcCacheSize     = "src-cache-size"
	KeyEnableSHM        = "enable-shm"
)

// defaults mirror spec.md's implementation-defined constants: small enough
// to exercise flow control and backoff in the scenario tests without
// needing huge buffers.
const (
	defaultMTU              = 4096
	defaultMaxOutstandingTx = 16
	defaultMaxBackoff       = 2 * time.Second
	defaultRecvBufSize      = 4096
	defaultWatchdogInterval = 5 * time.Second
	defaultTxMinCredits     = 1
	defaultCQReadSize       = 32
	defaultSrcCacheSize     = 1024
)

// RegisterFlags adds every tunable as a pflag, so cmd/efaendpointd (or any
// other binary) can expose them on its command line before calling Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int(KeyMTU, defaultMTU, "transport MTU in bytes")
	fs.Int(KeyMaxOutstandingTx, defaultMaxOutstandingTx, "efa_max_outstanding_tx_ops; 0 = unbounded")
	fs.Duration(KeyMaxBackoff, defaultMaxBackoff, "ceiling for a peer's exponential backoff window")
	fs.Int(KeyRecvBufSize, defaultRecvBufSize, "size of one internally posted receive buffer")
	fs.Duration(KeyWatchdogInterval, defaultWatchdogInterval, "available_data_bufs reset interval")
	fs.Int(KeyTxMinCredits, defaultTxMinCredits, "floor on a credit request's clamp")
	fs.Int(KeyCQReadSize, defaultCQReadSize, "completions drained per transport per tick")
	fs.Int(KeySrcCacheSize, defaultSrcCacheSize, "resolver source-identifier LRU size")
	fs.Bool(KeyEnableSHM, false, "enable the node-local shared-memory fast path")
	fs.String("config", "", "path to an optional config file (YAML/JSON/TOML)")
}

// Config bundles every tunable this package loads, split into the pieces
// progress.New and endpoint.New each consume directly.
type Config struct {
	Progress progress.Config

	CQReadSize   int
	SrcCacheSize int
	EnableSHM    bool
}

// Load reads tunables from fs (already parsed), overlaid by environment
// variables (EFA_<KEY>, dashes replaced with underscores) and, if set, an
// EFA_CONFIG-named file understood by viper (YAML/JSON/TOML/etc).
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EFA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	maxBackoff, err := cast.ToDurationE(v.Get(KeyMaxBackoff))
	if err != nil {
		return Config{}, err
	}
	watchdogInterval, err := cast.ToDurationE(v.Get(KeyWatchdogInterval))
	if err != nil {
		return Config{}, err
	}

	return Config{
		Progress: progress.Config{
			MaxDataPayload:          cast.ToInt(v.Get(KeyMTU)),
			MaxOutstandingTxPerPeer: cast.ToInt(v.Get(KeyMaxOutstandingTx)),
			MaxBackoff:              maxBackoff,
			RecvBufSize:             cast.ToInt(v.Get(KeyRecvBufSize)),
			WatchdogInterval:        watchdogInterval,
			TxMinCredits:            cast.ToInt(v.Get(KeyTxMinCredits)),
		},
		CQReadSize:   cast.ToInt(v.Get(KeyCQReadSize)),
		SrcCacheSize: cast.ToInt(v.Get(KeySrcCacheSize)),
		EnableSHM:    cast.ToBool(v.Get(KeyEnableSHM)),
	}, nil
}
