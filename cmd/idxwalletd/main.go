// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// idxwalletd runs an HD wallet synchronized against an Esplora indexer. It
// creates or opens the wallet database, keeps it in sync with the chain and
// logs every sync step until it is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/chain/esplora"
	"github.com/btcsuite/idxwallet/wallet"
)

// shutdownTimeout bounds the time the wallet gets to stop.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := idxwalletdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// idxwalletdMain is the real main function. It is necessary to work around
// the fact that deferred functions do not run when os.Exit() is called.
func idxwalletdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	err = initLogRotator(logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer closeLogRotator()

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	walletCfg, cleanup, err := setupChain(cfg)
	if err != nil {
		log.Errorf("Unable to set up chain sources: %v", err)
		return err
	}
	defer cleanup()

	w, err := loadWallet(ctx, cfg, walletCfg)
	if err != nil {
		log.Errorf("Unable to load wallet: %v", err)
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer stopCancel()

		if err := w.Close(stopCtx); err != nil {
			log.Errorf("Unable to close wallet: %v", err)
		}
	}()

	if err := w.Start(ctx); err != nil {
		log.Errorf("Unable to start wallet: %v", err)
		return err
	}

	if cfg.Unlock {
		pass, err := promptPassphrase(false)
		if err != nil {
			return err
		}

		err = w.Unlock(ctx, wallet.UnlockRequest{
			Passphrase: pass,
			Timeout:    -1,
		})
		if err != nil {
			log.Errorf("Unable to unlock wallet: %v", err)
			return err
		}
	}

	info, err := w.Info(ctx)
	if err != nil {
		return err
	}
	log.Infof("Wallet running on %v, birthday height %d, fingerprint "+
		"%08x", info.ChainParams.Name, info.BirthdayHeight,
		info.MasterFingerprint)

	return runWallet(ctx, w)
}

// setupChain builds the indexer client and the optional node and ZMQ
// sources. The returned cleanup stops whatever was started.
func setupChain(cfg *config) (wallet.Config, func(), error) {
	walletCfg := cfg.walletConfig()

	esploraCfg := esplora.DefaultConfig(cfg.EsploraURL)
	esploraCfg.RequestsPerSecond = cfg.EsploraRate

	indexer, err := esplora.New(esploraCfg)
	if err != nil {
		return walletCfg, nil, err
	}
	walletCfg.Indexer = indexer

	var stops []func()
	cleanup := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.RPCConnect != "" {
		connCfg := &rpcclient.ConnConfig{
			Host:       cfg.RPCConnect,
			User:       cfg.RPCUser,
			Pass:       cfg.RPCPass,
			DisableTLS: cfg.NoTLS,
		}

		if !cfg.NoTLS && cfg.RPCCert != "" {
			certs, err := os.ReadFile(cfg.RPCCert)
			if err != nil {
				return walletCfg, nil, fmt.Errorf("unable to "+
					"read rpc cert: %w", err)
			}
			connCfg.Certificates = certs
		}

		node, err := chain.NewRPCNode(&chain.RPCNodeConfig{
			Conn:  connCfg,
			Chain: cfg.chainParams,
		})
		if err != nil {
			return walletCfg, nil, err
		}
		stops = append(stops, node.Stop)
		walletCfg.FullNode = node

		log.Infof("Using node at %v for broadcast and fee fallback",
			cfg.RPCConnect)
	}

	if cfg.ZMQBlock != "" {
		notifier, err := chain.NewBlockNotifier(cfg.ZMQBlock)
		if err != nil {
			cleanup()
			return walletCfg, nil, err
		}
		notifier.Start()
		stops = append(stops, notifier.Stop)
		walletCfg.BlockNotifier = notifier

		log.Infof("Syncing on ZMQ block events from %v", cfg.ZMQBlock)
	}

	return walletCfg, cleanup, nil
}

// loadWallet opens the wallet database, creating it first if asked to.
func loadWallet(ctx context.Context, cfg *config,
	walletCfg wallet.Config) (*wallet.Wallet, error) {

	_, err := os.Stat(walletCfg.DBPath)
	switch {
	case err == nil:
		if cfg.Create || cfg.Restore {
			log.Warnf("Wallet %v already exists, opening it",
				walletCfg.DBPath)
		}

		return wallet.Open(ctx, walletCfg)

	case !errors.Is(err, os.ErrNotExist):
		return nil, err

	case !cfg.Create && !cfg.Restore:
		return nil, fmt.Errorf("no wallet at %v, run with --create "+
			"or --restore", walletCfg.DBPath)
	}

	params := wallet.CreateWalletParams{
		Mode:           wallet.ModeGenSeed,
		BirthdayHeight: cfg.BirthdayHeight,
		Birthday:       cfg.birthday,
	}

	if cfg.Restore {
		params.Mode = wallet.ModeRestore
		params.Mnemonic, params.MnemonicPassphrase, err =
			promptMnemonic()
		if err != nil {
			return nil, err
		}
	}

	params.Passphrase, err = promptPassphrase(true)
	if err != nil {
		return nil, err
	}

	w, mnemonic, err := wallet.Create(ctx, walletCfg, params)
	if err != nil {
		return nil, err
	}

	if params.Mode == wallet.ModeGenSeed {
		showMnemonic(mnemonic)
	}

	return w, nil
}

// runWallet logs sync results until the context is canceled.
func runWallet(ctx context.Context, w *wallet.Wallet) error {
	results := w.Results()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				return nil
			}
			logResult(&res)

		case <-ctx.Done():
			log.Infof("Shutting down")
			return nil
		}
	}
}

// logResult reports one sync step.
func logResult(res *wallet.SyncResult) {
	if res.Err != nil {
		log.Warnf("Sync step failed: %v", res.Err)
		return
	}

	res.Reorg.WhenSome(func(ev wallet.ReorgEvent) {
		log.Warnf("Reorganization from height %d to fork height %d "+
			"reverted %d txns", ev.OldTip.Height, ev.Fork.Height,
			len(ev.Reverted))
	})

	if len(res.NewTxs) == 0 && len(res.Confirmed) == 0 &&
		len(res.Discarded) == 0 {

		log.Debugf("Synced to height %d", res.Tip.Height)
		return
	}

	log.Infof("Synced to height %d: %d new, %d confirmed, %d discarded "+
		"txns", res.Tip.Height, len(res.NewTxs), len(res.Confirmed),
		len(res.Discarded))
}
