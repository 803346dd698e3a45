package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Upper bounds for discovery tuning.
const (
	MaxGapLimit        = 1000
	MaxScanConcurrency = 64
)

// Validate checks the configuration for obvious operator mistakes and
// normalises case-insensitive fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	cfg.Network = NetworkType(strings.ToLower(string(cfg.Network)))
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir is empty")
	}

	if err := validateURL("rpcurl", cfg.RPCURL); err != nil {
		return err
	}
	zones, err := cfg.ZoneEndpoints()
	if err != nil {
		return err
	}
	for z, u := range zones {
		if err := validateURL("rpczone "+z.String(), u); err != nil {
			return err
		}
	}
	if cfg.RPCTimeout <= 0 {
		return fmt.Errorf("rpctimeout must be positive")
	}

	if strings.TrimSpace(cfg.WalletName) == "" || strings.ContainsAny(cfg.WalletName, "/\x00") {
		return fmt.Errorf("wallet name %q is invalid", cfg.WalletName)
	}
	if _, err := cfg.ZoneID(); err != nil {
		return fmt.Errorf("zone: %w", err)
	}
	if cfg.GapLimit < 1 || cfg.GapLimit > MaxGapLimit {
		return fmt.Errorf("gaplimit must be in range [1, %d]", MaxGapLimit)
	}
	if cfg.ScanConcurrency < 1 || cfg.ScanConcurrency > MaxScanConcurrency {
		return fmt.Errorf("scanconcurrency must be in range [1, %d]", MaxScanConcurrency)
	}
	if cfg.ConfirmPoll <= 0 {
		return fmt.Errorf("confirmpoll must be positive")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("loglevel must be one of trace, debug, info, warn, error")
	}
	if cfg.LogMaxSizeKB < 0 || cfg.LogMaxFiles < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}
