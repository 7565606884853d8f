package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/maker"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/wallet"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

const (
	// selfPeer is the daemon's own id on the in-process network.
	selfPeer = "simnet-self"

	simnetBlockInterval = 2 * time.Second
	simnetFunding       = 10 * 100_000_000
)

// simnet is an in-process chain with makers attached to a local network, so
// a taker can run complete swaps without peers or a real chain.
type simnet struct {
	chain *backend.Simnet
	net   *protocol.LocalNetwork
	log   *logging.Logger

	makers   []*maker.Maker
	monitors []*maker.Monitor
	stores   []*storage.Storage
	dirs     []string

	cancel context.CancelFunc
}

func newSimnet(ctx context.Context) *simnet {
	ctx, cancel := context.WithCancel(ctx)
	s := &simnet{
		chain:  backend.NewSimnet(),
		net:    protocol.NewLocalNetwork(),
		log:    logging.GetDefault().Component("simnet"),
		cancel: cancel,
	}
	go s.chain.Run(ctx, simnetBlockInterval)
	return s
}

// startMakers starts n funded makers with the configured maker terms.
func (s *simnet) startMakers(cfg *config.Config, n int) error {
	for i := 0; i < n; i++ {
		dir, err := os.MkdirTemp("", "coinswap-simnet-maker-")
		if err != nil {
			return err
		}
		s.dirs = append(s.dirs, dir)

		store, err := storage.New(&storage.Config{DataDir: dir})
		if err != nil {
			return err
		}
		s.stores = append(s.stores, store)

		reg, err := registry.New(store)
		if err != nil {
			return err
		}
		svc := wallet.NewService(&wallet.ServiceConfig{
			DataDir:  dir,
			Params:   &chaincfg.SimNetParams,
			Store:    store,
			Registry: reg,
			Backend:  s.chain,
		})
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return err
		}
		if err := svc.LoadMnemonic(mnemonic, ""); err != nil {
			return err
		}
		if err := s.fund(svc, simnetFunding); err != nil {
			return err
		}
		if _, err := svc.Sync(context.Background()); err != nil {
			return err
		}

		m := maker.New(cfg.Maker, maker.Deps{Chain: s.chain, Wallet: svc, Store: store})
		mon := maker.NewMonitor(&maker.MonitorConfig{Maker: m, Interval: cfg.Maker.WatchInterval})
		mon.Start()
		s.makers = append(s.makers, m)
		s.monitors = append(s.monitors, mon)

		peer := fmt.Sprintf("simnet-maker-%d", i)
		s.net.Register(peer, m)
		s.net.Announce(m.Offer(peer, nil))
	}
	s.log.Info("Simnet makers started", "count", n)
	return nil
}

// fund pays amount to the wallet's receive script in a mined block.
func (s *simnet) fund(svc *wallet.Service, amount uint64) error {
	script, err := svc.ReceiveScript()
	if err != nil {
		return err
	}
	s.chain.Fund(script, amount)
	return nil
}

func (s *simnet) stop() {
	s.cancel()
	for _, m := range s.monitors {
		m.Stop()
	}
	for _, st := range s.stores {
		st.Close()
	}
	for _, dir := range s.dirs {
		os.RemoveAll(dir)
	}
}
