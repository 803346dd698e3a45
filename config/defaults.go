package config

import (
	"time"

	"github.com/Klingon-tech/qiwallet/internal/log"
)

// Defaults shared by both networks.
const (
	DefaultWalletName      = "default"
	DefaultZone            = "cyprus1"
	DefaultGapLimit        = 20
	DefaultScanConcurrency = 8
	DefaultConfirmPoll     = 5 * time.Second
	DefaultRPCTimeout      = 10 * time.Second
)

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		DataDir:         DefaultDataDir(),
		Network:         Mainnet,
		RPCURL:          "http://127.0.0.1:9200",
		RPCTimeout:      DefaultRPCTimeout,
		WalletName:      DefaultWalletName,
		Zone:            DefaultZone,
		GapLimit:        DefaultGapLimit,
		ScanConcurrency: DefaultScanConcurrency,
		ConfirmPoll:     DefaultConfirmPoll,
		LogLevel:        "info",
		LogMaxSizeKB:    log.DefaultMaxLogFileSizeKB,
		LogMaxFiles:     log.DefaultMaxLogFiles,
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPCURL = "http://127.0.0.1:19200"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
