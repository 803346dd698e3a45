// qiwallet is a command-line Qi wallet that talks to zone nodes over
// JSON-RPC and keeps its keys in an encrypted local keystore.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Klingon-tech/qiwallet/config"
	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/internal/rpcclient"
	"github.com/Klingon-tech/qiwallet/internal/storage"
	"github.com/Klingon-tech/qiwallet/internal/wallet"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"create":      {"create [--restore] [--passphrase]", cmdCreate},
	"list":        {"list", cmdList},
	"import-key":  {"import-key <hex private key>", cmdImportKey},
	"address":     {"address [--change]", cmdAddress},
	"addresses":   {"addresses", cmdAddresses},
	"paymentcode": {"paymentcode [--open <code>] [--next <code>]", cmdPaymentCode},
	"scan":        {"scan", cmdScan},
	"sync":        {"sync", cmdSync},
	"balance":     {"balance [--all]", cmdBalance},
	"send":        {"send <address|payment code> <amount> [--fee N] [--wait]", cmdSend},
	"convert":     {"convert <quai address> <amount> [--fee N] [--wait]", cmdConvert},
	"consolidate": {"consolidate [--fee N] [--max N] [--wait]", cmdConsolidate},
	"reaggregate": {"reaggregate [--wait]", cmdReaggregate},
	"abandon":     {"abandon <tx hash>", cmdAbandon},
}

var commandOrder = []string{
	"create", "list", "import-key", "address", "addresses", "paymentcode",
	"scan", "sync", "balance", "send", "convert", "consolidate", "reaggregate", "abandon",
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, ferr.Message)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, rest, err := config.Load(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 || rest[0] == "help" {
		usage()
		return nil
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := log.Init(log.Options{
		Level:     cfg.LogLevel,
		JSON:      cfg.LogJSON,
		File:      cfg.LogFile,
		MaxSizeKB: cfg.LogMaxSizeKB,
		MaxFiles:  cfg.LogMaxFiles,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, a, rest[1:])
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: qiwallet [global options] <command> [command options]

Global options:
  -C, --configfile <path>   Config file (default: <datadir>/qiwallet.conf)
  -b, --datadir <path>      Data directory (default: %s)
      --network <net>       mainnet (default) or testnet
      --rpcurl <url>        Zone node JSON-RPC endpoint
      --rpczone zone=url    Endpoint for one zone (repeatable)
  -w, --wallet <name>       Wallet name (default: default)
  -z, --zone <zone>         Zone to operate on (default: cyprus1)
      --gaplimit <n>        Discovery gap limit (default: 20)
  -d, --loglevel <level>    trace, debug, info, warn, error

Commands:
`, config.DefaultDataDir())
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

// app carries what every command needs: configuration, the open keystore
// and the chain provider.
type app struct {
	cfg    *config.Config
	zone   types.Zone
	db     *storage.BadgerDB
	ks     *wallet.Keystore
	client *rpcclient.Client
}

func newApp(cfg *config.Config) (*app, error) {
	zone, err := cfg.ZoneID()
	if err != nil {
		return nil, err
	}
	client := rpcclient.NewWithTimeout(cfg.RPCURL, cfg.RPCTimeout)
	endpoints, err := cfg.ZoneEndpoints()
	if err != nil {
		return nil, err
	}
	for z, url := range endpoints {
		if err := client.SetZoneEndpoint(z, url); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.KeystoreDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	db, err := storage.NewBadger(cfg.KeystoreDir())
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		zone:   zone,
		db:     db,
		ks:     wallet.NewKeystore(db, wallet.DefaultParams()),
		client: client,
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		log.Storage.Warn().Err(err).Msg("close keystore")
	}
}

func (a *app) walletConfig() wallet.Config {
	return wallet.Config{
		Provider:            a.client,
		Account:             a.cfg.Account,
		GapLimit:            a.cfg.GapLimit,
		ScanConcurrency:     a.cfg.ScanConcurrency,
		ConfirmPollInterval: a.cfg.ConfirmPoll,
	}
}

// openWallet prompts for the password and loads the configured wallet.
// The returned password is needed to save state afterwards.
func (a *app) openWallet() (*wallet.Wallet, []byte, error) {
	name := a.cfg.WalletName
	ok, err := a.ks.Exists(name)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("wallet %q not found (run qiwallet create)", name)
	}
	password, err := readPassword(fmt.Sprintf("Password for wallet %q: ", name))
	if err != nil {
		return nil, nil, fmt.Errorf("read password: %w", err)
	}
	w, err := a.ks.Load(name, password, a.walletConfig())
	if err != nil {
		return nil, nil, err
	}
	return w, password, nil
}

func (a *app) save(w *wallet.Wallet, password []byte) error {
	if err := a.ks.SaveState(a.cfg.WalletName, w, password); err != nil {
		return fmt.Errorf("save wallet state: %w", err)
	}
	return nil
}

// parseFlags parses command options into opts and returns the positional
// arguments.
func parseFlags(name string, opts any, args []string) ([]string, error) {
	p := flags.NewNamedParser("qiwallet "+name, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := p.AddGroup("Options", "", opts); err != nil {
		return nil, err
	}
	return p.ParseArgs(args)
}

var stdin = bufio.NewReader(os.Stdin)

// readPassword reads a password without echo from a terminal, or a line
// from stdin when it is not one.
func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		line, err := readLine()
		fmt.Fprintln(os.Stderr)
		return []byte(line), err
	}
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}

func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
