// Package main provides the walletd daemon: deposit crawling, collection to
// hot wallets, fee seeding and withdrawals for every configured chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/keystore"
	"github.com/Klingon-tech/klingcustody/internal/node"
	"github.com/Klingon-tech/klingcustody/internal/rpc"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/telemetry"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const usage = `Usage: walletd [flags] <command> [command flags]

Commands:
  run       start the daemon (default)
  init      create the keystore from a new or given mnemonic
  address   derive and store deposit addresses
  withdraw  queue a withdrawal from a hot wallet

Flags:
`

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.walletd", "Data directory")
		envFile     = flag.String("env-file", ".env", "Dotenv file read before the environment")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logging.New(&logging.Config{TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("walletd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if err := node.LoadDotEnv(*envFile); err != nil {
		log.Fatal("Failed to read env file", "path", *envFile, "error", err)
	}
	cfg, err := node.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	cfg.Storage.DataDir = *dataDir
	if err := cfg.ApplyEnv(node.OSEnv{}); err != nil {
		log.Fatal("Invalid environment", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, closeLog, err := setupLogging(cfg)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()
	log.Info("Config loaded", "path", node.ConfigPath(*dataDir), "network", cfg.Network)

	cmd, args := "run", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}
	switch cmd {
	case "run":
		err = run(cfg, log)
	case "init":
		err = initKeystore(cfg, log, args)
	case "address":
		err = issueAddresses(cfg, log, args)
	case "withdraw":
		err = requestWithdrawal(cfg, log, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("Command failed", "command", cmd, "error", err)
	}
}

// setupLogging replaces the default logger with one built from the config.
func setupLogging(cfg *node.Config) (*logging.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.DataPath(cfg.Logging.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return logging.GetDefault(), closeFn, err
		}
		out = f
		closeFn = func() { f.Close() }
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
		Output:     out,
	})
	logging.SetDefault(log)
	return log, closeFn, nil
}

func run(cfg *node.Config, log *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Warn("Tracing disabled", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(ctx)
	}()

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return fmt.Errorf("start node: %w", err)
	}

	ops := rpc.NewServer(n)
	if err := ops.Start(cfg.Ops.Listen); err != nil {
		n.Stop()
		return fmt.Errorf("start ops server: %w", err)
	}

	printBanner(log, n, ops.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := ops.Stop(stopCtx); err != nil {
		log.Error("Error stopping ops server", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
	return nil
}

func initKeystore(cfg *node.Config, log *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", "", "Import this mnemonic instead of generating one")
	fs.Parse(args)

	if cfg.Keystore.Passphrase == "" {
		return node.ErrNoPassphrase
	}

	words := *mnemonic
	generated := words == ""
	if generated {
		var err error
		if words, err = wallet.GenerateMnemonic(); err != nil {
			return err
		}
	} else if !wallet.ValidateMnemonic(words) {
		return fmt.Errorf("invalid mnemonic")
	}

	path := cfg.KeystorePath()
	if _, err := keystore.Create(path, cfg.Keystore.Passphrase, words, keystore.DefaultKDF); err != nil {
		return err
	}
	log.Info("Keystore created", "path", path)

	if generated {
		fmt.Println()
		fmt.Println("Write down the recovery phrase. It is not shown again:")
		fmt.Println()
		fmt.Println("  " + words)
		fmt.Println()
	}
	return nil
}

func issueAddresses(cfg *node.Config, log *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	walletID := fs.Int64("wallet", 1, "Wallet id owning the addresses")
	platform := fs.String("platform", "", "Platform (btc, ltc, eth, bsc, matic, trx, xrp, sol)")
	count := fs.Int("count", 1, "Number of addresses to derive")
	fs.Parse(args)

	p := chain.Platform(*platform)
	if !chain.IsSupported(p) {
		return fmt.Errorf("unsupported platform %q", *platform)
	}
	if cfg.Keystore.Passphrase == "" {
		return node.ErrNoPassphrase
	}

	keys, err := keystore.Load(cfg.KeystorePath(), cfg.Keystore.Passphrase)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	currencies, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	w, err := wallet.NewFromMnemonic(keys.Mnemonic(), "", currencies.Network())
	if err != nil {
		return err
	}
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	issuer := node.NewAddressIssuer(w, currencies, store, keys)
	ctx := context.Background()
	for i := 0; i < *count; i++ {
		addr, err := issuer.Issue(ctx, *walletID, p)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", addr.Address, addr.HDPath)
	}
	log.Debug("Addresses issued", "platform", p, "count", *count)
	return nil
}

func requestWithdrawal(cfg *node.Config, log *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	var req node.WithdrawalRequest
	fs.Int64Var(&req.WalletID, "wallet", 1, "Wallet id whose hot wallet pays")
	fs.StringVar(&req.Currency, "currency", "", "Currency symbol")
	fs.StringVar(&req.ToAddress, "to", "", "Destination address")
	fs.StringVar(&req.Amount, "amount", "", "Amount in whole units")
	fs.StringVar(&req.Memo, "memo", "", "Destination tag (XRP) or memo (TRX)")
	fs.Parse(args)

	currencies, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	w, err := node.NewWithdrawalDesk(currencies, store).Request(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("%d\t%s\t%s\t%s\n", w.ID, w.Currency, w.Amount, w.ToAddress)
	log.Debug("Withdrawal queued", "id", w.ID)
	return nil
}

func printBanner(log *logging.Logger, n *node.Node, opsAddr string) {
	status := n.Status()

	log.Info("")
	log.Info("=================================================")
	log.Infof("  walletd (%s)", status.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	for _, c := range status.Crawlers {
		log.Infof("  %-6s cursor %d", c.Platform, c.Cursor)
	}
	log.Info("")
	log.Infof("  Ops:     http://%s/status", opsAddr)
	log.Infof("  Metrics: http://%s/metrics", opsAddr)
	log.Infof("  Workers: %d", len(status.Workers))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
