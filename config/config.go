// Package config handles qiwallet configuration.
//
// Settings come from three layers, later ones winning:
//   - Built-in defaults (Default)
//   - An ini-style config file (--configfile, default <datadir>/qiwallet.conf)
//   - Command-line options
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Klingon-tech/qiwallet/pkg/types"
	flags "github.com/jessevdk/go-flags"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// ConfigFilename is the name of the config file inside the data directory.
const ConfigFilename = "qiwallet.conf"

// Config holds the wallet's runtime configuration.
type Config struct {
	ConfigFile string      `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string      `short:"b" long:"datadir" description:"Directory to store wallets and logs"`
	Network    NetworkType `long:"network" description:"Network to use {mainnet, testnet}"`

	// Node
	RPCURL     string        `long:"rpcurl" description:"JSON-RPC endpoint of the zone node"`
	RPCZones   []string      `long:"rpczone" description:"Per-zone endpoint as zone=url, e.g. paxos2=http://127.0.0.1:9201 (may be repeated)"`
	RPCTimeout time.Duration `long:"rpctimeout" description:"Timeout of a single RPC request"`

	// Wallet
	WalletName      string        `short:"w" long:"wallet" description:"Name of the wallet in the keystore"`
	Account         uint32        `long:"account" description:"BIP-44 account used for change and payment codes"`
	Zone            string        `short:"z" long:"zone" description:"Zone to operate on, e.g. cyprus1"`
	GapLimit        int           `long:"gaplimit" description:"Consecutive unused addresses that end discovery"`
	ScanConcurrency int           `long:"scanconcurrency" description:"Concurrent provider queries during discovery"`
	ConfirmPoll     time.Duration `long:"confirmpoll" description:"Receipt polling interval while waiting for a transaction"`

	// Logging
	LogLevel     string `short:"d" long:"loglevel" description:"Logging level {trace, debug, info, warn, error}"`
	LogFile      string `long:"logfile" description:"Also write JSON logs to this file, rotated by size"`
	LogJSON      bool   `long:"logjson" description:"Write console logs as JSON"`
	LogMaxSizeKB int64  `long:"logmaxsize" description:"Rotate the log file after this many KB"`
	LogMaxFiles  int    `long:"logmaxfiles" description:"Number of rotated log files to keep"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.qiwallet
//	macOS:   ~/Library/Application Support/Qiwallet
//	Windows: %APPDATA%\Qiwallet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qiwallet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Qiwallet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Qiwallet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Qiwallet")
	default:
		return filepath.Join(home, ".qiwallet")
	}
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// KeystoreDir returns the keystore database directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ZoneID returns the parsed Zone setting.
func (c *Config) ZoneID() (types.Zone, error) {
	return types.ParseZone(c.Zone)
}

// ZoneEndpoints returns the parsed --rpczone settings.
func (c *Config) ZoneEndpoints() (map[types.Zone]string, error) {
	out := make(map[types.Zone]string, len(c.RPCZones))
	for _, kv := range c.RPCZones {
		name, url, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("rpczone %q: expected zone=url", kv)
		}
		z, err := types.ParseZone(name)
		if err != nil {
			return nil, fmt.Errorf("rpczone %q: %w", kv, err)
		}
		if _, dup := out[z]; dup {
			return nil, fmt.Errorf("rpczone: zone %s given twice", z)
		}
		out[z] = strings.TrimSpace(url)
	}
	return out, nil
}

// parserOptions stop option parsing at the first command word so each
// subcommand can parse its own flags.
const parserOptions = flags.HelpFlag | flags.PassDoubleDash | flags.PassAfterNonOption

// Load builds the configuration from defaults, the config file and args,
// and returns it with the arguments left after the options. A missing
// config file is not an error.
func Load(args []string) (*Config, []string, error) {
	cfg := Default(Mainnet)

	// Pre-parse to find the data directory and config file.
	preCfg := *cfg
	if _, err := flags.NewParser(&preCfg, parserOptions).ParseArgs(args); err != nil {
		return nil, nil, err
	}
	if NetworkType(strings.ToLower(string(preCfg.Network))) == Testnet {
		cfg = Default(Testnet)
	}
	cfg.DataDir = preCfg.DataDir
	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(cleanAndExpandPath(cfg.DataDir), ConfigFilename)
	}

	parser := flags.NewParser(cfg, parserOptions)
	if err := flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(configFile)); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) || preCfg.ConfigFile != "" {
			return nil, nil, fmt.Errorf("config file %s: %w", configFile, err)
		}
	}
	cfg.ConfigFile = configFile

	// Parse the command line again so it takes precedence.
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if cfg.LogFile != "" {
		cfg.LogFile = cleanAndExpandPath(cfg.LogFile)
	}
	if err := Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, rest, nil
}

// cleanAndExpandPath expands a leading ~ and environment variables.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
