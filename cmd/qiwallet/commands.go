package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/qiwallet/internal/wallet"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

func cmdCreate(_ context.Context, a *app, args []string) error {
	var opts struct {
		Restore    bool `long:"restore" description:"Restore from an existing mnemonic read from stdin"`
		Passphrase bool `long:"passphrase" description:"Prompt for a BIP-39 passphrase"`
	}
	if _, err := parseFlags("create", &opts, args); err != nil {
		return err
	}
	name := a.cfg.WalletName
	if ok, err := a.ks.Exists(name); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("wallet %q already exists", name)
	}

	var mnemonic string
	if opts.Restore {
		fmt.Print("Mnemonic: ")
		line, err := readLine()
		if err != nil {
			return fmt.Errorf("read mnemonic: %w", err)
		}
		if !wallet.ValidateMnemonic(line) {
			return errors.New("invalid mnemonic")
		}
		mnemonic = line
	} else {
		m, err := wallet.GenerateMnemonic()
		if err != nil {
			return fmt.Errorf("generate mnemonic: %w", err)
		}
		mnemonic = m
		fmt.Println("Mnemonic (write this down!):")
		fmt.Printf("  %s\n\n", mnemonic)
	}

	var passphrase string
	if opts.Passphrase {
		p, err := readPassword("BIP-39 passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = string(p)
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if string(password) != string(confirm) {
		return errors.New("passwords do not match")
	}

	if err := a.ks.Create(name, mnemonic, passphrase, password); err != nil {
		return err
	}
	w, err := a.ks.Load(name, password, a.walletConfig())
	if err != nil {
		return err
	}
	da, err := w.DeriveNextAddress(a.cfg.Account, a.zone, false)
	if err != nil {
		return err
	}
	if err := a.save(w, password); err != nil {
		return err
	}

	fmt.Printf("Wallet %q created.\n", name)
	fmt.Printf("  Address (%s): %s\n", a.zone, da.Address)
	if opts.Restore {
		fmt.Println("Run `qiwallet scan` to discover existing funds.")
	}
	return nil
}

func cmdList(_ context.Context, a *app, _ []string) error {
	names, err := a.ks.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No wallets.")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func cmdImportKey(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: qiwallet import-key <hex private key>")
	}
	key, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	da, err := w.ImportPrivateKey(key)
	if err != nil {
		return err
	}
	if err := a.save(w, password); err != nil {
		return err
	}
	fmt.Printf("Imported %s (%s)\n", da.Address, da.Zone)
	return nil
}

func cmdAddress(_ context.Context, a *app, args []string) error {
	var opts struct {
		Change bool `long:"change" description:"Derive a change address"`
	}
	if _, err := parseFlags("address", &opts, args); err != nil {
		return err
	}
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	da, err := w.DeriveNextAddress(a.cfg.Account, a.zone, opts.Change)
	if err != nil {
		return err
	}
	if err := a.save(w, password); err != nil {
		return err
	}
	fmt.Println(da.Address)
	fmt.Printf("  Path: %s\n", da.DerivationPath)
	return nil
}

func cmdAddresses(_ context.Context, a *app, _ []string) error {
	w, _, err := a.openWallet()
	if err != nil {
		return err
	}
	addrs := w.Addresses(a.zone)
	if len(addrs) == 0 {
		fmt.Printf("No addresses in %s.\n", a.zone)
		return nil
	}
	for _, da := range addrs {
		origin := da.DerivationPath
		switch da.Source {
		case wallet.SourceImported:
			origin = "imported"
		case wallet.SourceChannel:
			origin = fmt.Sprintf("channel %s #%d", da.Channel, da.Index)
		}
		fmt.Printf("%s  %-9s  synced@%-8d  %s\n", da.Address, da.Status, da.LastSyncedBlock.Number, origin)
	}
	return nil
}

func cmdPaymentCode(_ context.Context, a *app, args []string) error {
	var opts struct {
		Open string `long:"open" description:"Open a payment channel with this payment code"`
		Next string `long:"next" description:"Derive the next receive address of the channel with this payment code"`
	}
	if _, err := parseFlags("paymentcode", &opts, args); err != nil {
		return err
	}
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}

	switch {
	case opts.Open != "":
		if _, err := w.OpenPaymentChannel(opts.Open); err != nil {
			return err
		}
		if err := a.save(w, password); err != nil {
			return err
		}
		fmt.Println("Channel opened.")
	case opts.Next != "":
		da, err := w.NextPaymentAddress(opts.Next, a.zone)
		if err != nil {
			return err
		}
		if err := a.save(w, password); err != nil {
			return err
		}
		fmt.Println(da.Address)
	default:
		pc, err := w.PaymentCode()
		if err != nil {
			return err
		}
		fmt.Println(pc)
		for _, ch := range w.Channels() {
			fmt.Printf("  channel %s  received %d  sent %d\n", ch.Counterparty, ch.NextSelf[a.zone], ch.NextSend[a.zone])
		}
	}
	return nil
}

func cmdScan(ctx context.Context, a *app, _ []string) error {
	return discover(ctx, a, (*wallet.Wallet).Scan)
}

func cmdSync(ctx context.Context, a *app, _ []string) error {
	return discover(ctx, a, (*wallet.Wallet).Sync)
}

func discover(ctx context.Context, a *app, fn func(*wallet.Wallet, context.Context, types.Zone) (*wallet.ScanResult, error)) error {
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	res, err := fn(w, ctx, a.zone)
	if err != nil {
		return err
	}
	if err := a.save(w, password); err != nil {
		return err
	}

	fmt.Printf("Zone %s at block %d\n", res.Zone, res.Tip.Number)
	fmt.Printf("  Queried:   %d (skipped %d)\n", res.Queried, res.Skipped)
	fmt.Printf("  Derived:   %d\n", res.Derived)
	fmt.Printf("  Used:      %d\n", res.Used)
	fmt.Printf("  Outpoints: %d (spent %d, dropped %d)\n", res.Outpoints, res.Spent, res.Dropped)
	printBalance(w, a.zone)
	return nil
}

func cmdBalance(_ context.Context, a *app, args []string) error {
	var opts struct {
		All bool `long:"all" description:"Show every zone"`
	}
	if _, err := parseFlags("balance", &opts, args); err != nil {
		return err
	}
	w, _, err := a.openWallet()
	if err != nil {
		return err
	}
	zones := []types.Zone{a.zone}
	if opts.All {
		zones = types.AllZones()
	}
	for _, z := range zones {
		printBalance(w, z)
	}
	if pending := w.PendingTransactions(); len(pending) > 0 {
		fmt.Println("Pending transactions:")
		for _, h := range pending {
			fmt.Printf("  %s\n", h)
		}
	}
	return nil
}

func printBalance(w *wallet.Wallet, zone types.Zone) {
	b := w.Balance(zone)
	fmt.Printf("%s: spendable %d, locked %d, pending %d (tip %d)\n",
		zone, b.Spendable, b.Locked, b.Pending, w.Tip(zone).Number)
}

type spendOptions struct {
	Fee  uint64 `long:"fee" description:"Fee in qits"`
	Wait bool   `long:"wait" description:"Wait for the transaction to be mined"`
}

func cmdSend(ctx context.Context, a *app, args []string) error {
	var opts spendOptions
	rest, err := parseFlags("send", &opts, args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return errors.New("usage: qiwallet send <address|payment code> <amount> [--fee N] [--wait]")
	}
	value, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	var hash types.Hash
	if addr, perr := types.ParseAddress(rest[0]); perr == nil {
		hash, err = w.Send(ctx, wallet.SpendTarget{Address: addr, Value: value}, a.zone, opts.Fee)
	} else {
		if _, err := w.OpenPaymentChannel(rest[0]); err != nil {
			return fmt.Errorf("destination is neither an address (%v) nor a payment code: %w", perr, err)
		}
		hash, err = w.SendToPaymentCode(ctx, rest[0], value, a.zone, opts.Fee)
	}
	return finishSpend(ctx, a, w, password, hash, err, opts.Wait)
}

func cmdConvert(ctx context.Context, a *app, args []string) error {
	var opts spendOptions
	rest, err := parseFlags("convert", &opts, args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return errors.New("usage: qiwallet convert <quai address> <amount> [--fee N] [--wait]")
	}
	addr, err := types.ParseAddress(rest[0])
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	value, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	hash, err := w.Convert(ctx, wallet.SpendTarget{Address: addr, Value: value}, a.zone, opts.Fee)
	return finishSpend(ctx, a, w, password, hash, err, opts.Wait)
}

func cmdConsolidate(ctx context.Context, a *app, args []string) error {
	var opts struct {
		Fee  uint64 `long:"fee" description:"Fee in qits"`
		Max  uint64 `long:"max" description:"Only merge outputs at or below this denomination (0 for all)"`
		Wait bool   `long:"wait" description:"Wait for the transaction to be mined"`
	}
	if _, err := parseFlags("consolidate", &opts, args); err != nil {
		return err
	}
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	hash, err := w.Consolidate(ctx, a.zone, opts.Fee, opts.Max)
	return finishSpend(ctx, a, w, password, hash, err, opts.Wait)
}

func cmdReaggregate(ctx context.Context, a *app, args []string) error {
	var opts struct {
		Wait bool `long:"wait" description:"Wait for the transaction to be mined"`
	}
	if _, err := parseFlags("reaggregate", &opts, args); err != nil {
		return err
	}
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	hash, err := w.Reaggregate(ctx, a.zone)
	return finishSpend(ctx, a, w, password, hash, err, opts.Wait)
}

func cmdAbandon(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: qiwallet abandon <tx hash>")
	}
	hash, err := types.HexToHash(args[0])
	if err != nil {
		return fmt.Errorf("tx hash: %w", err)
	}
	w, password, err := a.openWallet()
	if err != nil {
		return err
	}
	if err := w.AbandonTransaction(hash); err != nil {
		return err
	}
	if err := a.save(w, password); err != nil {
		return err
	}
	fmt.Printf("Released the inputs of %s.\n", hash)
	return nil
}

// finishSpend persists the wallet after a spend attempt, so reserved
// inputs survive a failed broadcast, and optionally waits for the receipt.
func finishSpend(ctx context.Context, a *app, w *wallet.Wallet, password []byte, hash types.Hash, spendErr error, wait bool) error {
	if err := a.save(w, password); err != nil {
		return err
	}
	if spendErr != nil {
		return spendErr
	}
	fmt.Printf("Transaction %s submitted.\n", hash)
	if !wait {
		return nil
	}

	fmt.Println("Waiting for confirmation...")
	receipt, err := w.WaitForTransaction(ctx, hash)
	if err != nil {
		return err
	}
	if err := a.save(w, password); err != nil {
		return err
	}
	if !receipt.Succeeded() {
		return fmt.Errorf("transaction %s failed in block %d", hash, receipt.BlockNumber)
	}
	fmt.Printf("Confirmed in block %d.\n", receipt.BlockNumber)
	return nil
}
