// Package main provides the coinswapd daemon, which runs a coinswap taker or
// maker behind a JSON-RPC API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/maker"
	"github.com/klingon-exchange/coinswap/internal/node"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/rpc"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/taker"
	"github.com/klingon-exchange/coinswap/internal/wallet"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv unlocks an existing wallet at startup.
const passwordEnv = "COINSWAP_WALLET_PASSWORD"

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.coinswap", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		role           = flag.String("role", "", "Role (taker, maker), overrides config")
		network        = flag.String("network", "", "Network (mainnet, testnet, signet, regtest, simnet), overrides config")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "", "JSON-RPC API address, overrides config")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		simnetMakers   = flag.Int("simnet-makers", 3, "In-process makers started on simnet")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("coinswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfgDir := *dataDir
	if *configFile != "" {
		cfgDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(cfgDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	cfg.Storage.DataDir = *dataDir
	if *role != "" {
		cfg.Role = config.Role(*role)
	}
	if *network != "" {
		cfg.NetworkType = config.NetworkType(*network)
	}
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.NetworkType == config.Simnet {
		cfg.Chain.Type = backend.TypeSimnet
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		File:       cfg.Logging.File,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(cfgDir), "role", cfg.Role, "network", cfg.NetworkType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, *simnetMakers)
	if err != nil {
		log.Fatal("Failed to start daemon", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()
	d.stop()
	log.Info("Goodbye!")
}

// daemon is the running service graph.
type daemon struct {
	cfg *config.Config
	log *logging.Logger

	store  *storage.Storage
	chain  backend.Backend
	wallet *wallet.Service
	node   *node.Node
	sim    *simnet

	taker   *taker.Taker
	maker   *maker.Maker
	monitor *maker.Monitor
	rpc     *rpc.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, simnetMakers int) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logging.GetDefault()}
	ok := false
	defer func() {
		if !ok {
			d.stop()
		}
	}()

	params, err := cfg.NetworkType.Params()
	if err != nil {
		return nil, err
	}

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	d.store, err = storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		return nil, err
	}
	d.log.Info("Storage initialized", "path", dataPath)

	if cfg.NetworkType == config.Simnet {
		d.sim = newSimnet(ctx)
		d.chain = d.sim.chain
	} else {
		d.chain, err = backend.New(&cfg.Chain, params)
		if err != nil {
			return nil, err
		}
		if err := d.chain.Connect(ctx); err != nil {
			return nil, err
		}
	}
	d.log.Info("Chain backend ready", "type", d.chain.Type())

	reg, err := registry.New(d.store)
	if err != nil {
		return nil, err
	}
	d.wallet = wallet.NewService(&wallet.ServiceConfig{
		DataDir:  dataPath,
		Params:   params,
		Store:    d.store,
		Registry: reg,
		Backend:  d.chain,
	})
	d.unlockWallet(ctx)

	var transport protocol.Transport
	var directory protocol.Directory
	if d.sim != nil {
		if err := d.sim.startMakers(cfg, simnetMakers); err != nil {
			return nil, err
		}
		transport, directory = d.sim.net, d.sim.net
	} else {
		d.node, err = node.New(ctx, cfg, d.store)
		if err != nil {
			return nil, err
		}
		transport, directory = d.node, d.node
	}

	var handler protocol.Handler
	switch cfg.Role {
	case config.RoleTaker:
		d.taker = taker.New(cfg.Taker, taker.Deps{
			Chain:     d.chain,
			Wallet:    d.wallet,
			Store:     d.store,
			Transport: transport,
			Directory: directory,
		})
	case config.RoleMaker:
		d.maker = maker.New(cfg.Maker, maker.Deps{Chain: d.chain, Wallet: d.wallet, Store: d.store})
		if err := d.maker.Restore(); err != nil {
			return nil, err
		}
		d.monitor = maker.NewMonitor(&maker.MonitorConfig{Maker: d.maker, Interval: cfg.Maker.WatchInterval})
		d.monitor.Start()
		handler = d.maker
	}

	if d.node != nil {
		if err := d.node.Start(handler); err != nil {
			return nil, err
		}
		if d.maker != nil {
			go d.node.AnnounceLoop(ctx, cfg.Maker.AnnounceInterval, func() protocol.MakerOffer {
				return d.maker.Offer(d.node.PeerID(), d.node.Addrs())
			})
		}
	} else if d.maker != nil {
		d.sim.net.Register(selfPeer, d.maker)
		d.sim.net.Announce(d.maker.Offer(selfPeer, nil))
	}

	if d.taker != nil {
		go func() {
			if err := d.taker.RecoverPending(ctx); err != nil {
				d.log.Warn("Failed to recover pending sessions", "error", err)
			}
		}()
	}

	if cfg.RPC.Enabled {
		deps := rpc.Deps{
			Config:    cfg,
			Directory: directory,
			Store:     d.store,
			Wallet:    d.wallet,
			Taker:     d.taker,
			Maker:     d.maker,
		}
		if d.node != nil {
			deps.Node = d.node
		}
		d.rpc = rpc.NewServer(deps)
		if err := d.rpc.Start(cfg.RPC.Listen); err != nil {
			return nil, err
		}
	}

	d.printBanner()
	go d.statusLoop(ctx)
	ok = true
	return d, nil
}

// unlockWallet opens an existing wallet with the password from the
// environment. On simnet a missing wallet is replaced by a throwaway seed and
// the wallet is funded from the simulated chain.
func (d *daemon) unlockWallet(ctx context.Context) {
	switch {
	case d.wallet.HasWallet():
		password := os.Getenv(passwordEnv)
		if password == "" {
			d.log.Info("Wallet locked, unlock it with wallet_unlock")
			return
		}
		if err := d.wallet.LoadWallet(password, ""); err != nil {
			d.log.Warn("Failed to unlock wallet", "error", err)
			return
		}
	case d.sim != nil:
		mnemonic, err := wallet.GenerateMnemonic()
		if err == nil {
			err = d.wallet.LoadMnemonic(mnemonic, "")
		}
		if err != nil {
			d.log.Warn("Failed to create simnet wallet", "error", err)
			return
		}
	default:
		d.log.Info("No wallet, create one with wallet_create")
		return
	}

	if d.sim != nil {
		if err := d.sim.fund(d.wallet, simnetFunding); err != nil {
			d.log.Warn("Failed to fund simnet wallet", "error", err)
		}
	}
	if _, err := d.wallet.Sync(ctx); err != nil {
		d.log.Warn("Initial wallet sync failed", "error", err)
	}
	d.log.Info("Wallet unlocked", "spendable", d.wallet.Balances().Spendable)
}

func (d *daemon) stop() {
	if d.rpc != nil {
		if err := d.rpc.Stop(); err != nil {
			d.log.Error("Error stopping RPC server", "error", err)
		}
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.taker != nil {
		d.taker.Close()
	}
	if d.node != nil {
		if err := d.node.Stop(); err != nil {
			d.log.Error("Error stopping node", "error", err)
		}
	}
	if d.sim != nil {
		d.sim.stop()
	}
	if d.chain != nil {
		d.chain.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}

func (d *daemon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := 0
			if d.taker != nil {
				sessions = len(d.taker.Sessions())
			}
			if d.maker != nil {
				sessions = len(d.maker.Sessions())
			}
			kv := []interface{}{"sessions", sessions, "spendable", d.wallet.Balances().Spendable}
			if d.node != nil {
				kv = append(kv, "peers", d.node.PeerCount(), "uptime", d.node.Uptime().Round(time.Second))
			}
			d.log.Info("Status", kv...)
		}
	}
}

func (d *daemon) printBanner() {
	log := d.log
	log.Info("")
	log.Info("=================================================")
	log.Infof("  CoinSwap %s (%s)", strings.ToUpper(string(d.cfg.Role)), d.cfg.NetworkType)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	if d.node != nil {
		log.Infof("  Peer ID: %s", d.node.PeerID())
		log.Info("")
		log.Info("  Listening on:")
		for _, addr := range d.node.Addrs() {
			log.Infof("    %s", addr)
		}
		log.Info("")
	} else {
		log.Infof("  In-process makers: %d", len(d.sim.makers))
		log.Info("")
	}
	if d.rpc != nil {
		log.Infof("  API: http://%s", d.cfg.RPC.Listen)
		log.Infof("  WS:  ws://%s/ws", d.cfg.RPC.Listen)
		log.Info("")
	}
	log.Infof("  Chain: %s | mDNS: %v | DHT: %v", d.chain.Type(), d.cfg.Network.EnableMDNS, d.cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", config.ExpandPath(d.cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
