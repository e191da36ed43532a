package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MacJediWizard/decentrilicense/internal/agent"
	"github.com/MacJediWizard/decentrilicense/internal/airgap"
	"github.com/MacJediWizard/decentrilicense/internal/license"
	"github.com/MacJediWizard/decentrilicense/internal/session"
)

const peerTimeout = 30 * time.Second

func newSendCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <host:port>",
		Short: "Send the current token to a peer device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if airgap.IsFeatureDisabled(airgap.Enabled(e.cfg.AirGap), "token_transfer") {
				return errors.New("token transfer is disabled in air-gap mode")
			}
			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			data, err := e.session.Export(license.EncryptedTransport)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), peerTimeout)
			defer cancel()
			ack, err := agent.NewClient(e.metrics).SendToken(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Printf("Peer accepted token %s at state %d\n", ack.TokenID, ack.StateIndex)
			return nil
		},
	}
}

func newFetchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <host:port>",
		Short: "Fetch the token of a peer device and import it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if airgap.IsFeatureDisabled(airgap.Enabled(e.cfg.AirGap), "token_transfer") {
				return errors.New("token transfer is disabled in air-gap mode")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), peerTimeout)
			defer cancel()
			data, err := agent.NewClient(e.metrics).FetchToken(ctx, args[0])
			if err != nil {
				return err
			}
			v, err := e.session.Import(ctx, data)
			if err != nil {
				return err
			}
			tok := v.Token()
			fmt.Printf("Imported token %s at state %d from %s\n", tok.TokenID, tok.StateIndex, args[0])
			return nil
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device daemon",
		Long: `Run the device daemon. It answers LAN discovery for the token held
here, announces presence, re-verifies the token on the configured schedule
and serves peer sessions (status, token transfer and metrics).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags)
		},
	}
}

func runServe(ctx context.Context, flags *globalFlags) error {
	e, err := flags.openEnv(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.load(ctx, flags); err != nil {
		if !errors.Is(err, session.ErrNoToken) {
			return err
		}
		e.logger.Info().Msg("no token imported yet; waiting for a transfer")
	}

	airGapped := airgap.Enabled(e.cfg.AirGap)
	daemon, err := agent.NewDaemon(e.session, agent.DaemonConfig{
		PresenceInterval: e.cfg.PresenceInterval,
		VerifySchedule:   e.cfg.VerifySchedule,
		Discovery:        !airgap.IsFeatureDisabled(airGapped, "lan_discovery"),
	}, e.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Run(gctx)
	})

	if airgap.IsFeatureDisabled(airGapped, "peer_sessions") {
		e.logger.Info().Msg("air-gap mode: peer session server disabled")
	} else {
		srv, err := agent.NewServer(e.session, agent.ServerConfig{
			Addr:      fmt.Sprintf(":%d", e.cfg.SessionPort),
			RateLimit: e.cfg.RateLimit,
			Gatherer:  e.reg,
			Transfers: e.metrics,
		}, e.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	e.logger.Info().
		Str("device_id", e.session.DeviceID()).
		Bool("air_gap", airGapped).
		Msg("dlicense daemon running")
	return g.Wait()
}
