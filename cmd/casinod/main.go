package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/velvetbet/casino-core/internal/api"
	"github.com/velvetbet/casino-core/internal/config"
	"github.com/velvetbet/casino-core/internal/relay"
	"github.com/velvetbet/casino-core/internal/session"
	"github.com/velvetbet/casino-core/internal/settle"
	"github.com/velvetbet/casino-core/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "[CASINOD] ", log.LstdFlags|log.LUTC)

	if err := run(logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}

	sessions := session.NewManager(db, logger, cfg.SessionTTL)

	signer, err := settle.NewSigner(db, settle.Config{
		PrivateKeyHex:  cfg.HouseKeyHex,
		ChainID:        cfg.ChainID,
		ContractAddr:   cfg.WalletContract,
		DeadlineWindow: cfg.DeadlineWindow,
	})
	if err != nil {
		return multierr.Append(err, db.Close())
	}

	var rl *relay.Relay
	if cfg.RPCURL != "" {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return multierr.Append(err, db.Close())
		}
		defer client.Close()

		rl, err = relay.New(client, nil, logger, relay.Config{
			RelayerKeyHex:  cfg.RelayerKeyHex,
			ChainID:        cfg.ChainID,
			ForwarderAddr:  cfg.ForwarderAddr,
			ConfirmTimeout: cfg.ConfirmTimeout,
		})
		if err != nil {
			return multierr.Append(err, db.Close())
		}
	} else {
		logger.Printf("relay_disabled reason=no_rpc_url")
	}

	server := api.NewServer(db, sessions, signer, rl, cfg.WalletContract)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Printf("listening addr=%s house=%s", cfg.ListenAddr, signer.Address().Hex())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := sessions.RunReaper(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return multierr.Combine(g.Wait(), db.Close())
}
