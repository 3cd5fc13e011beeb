package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RoboFinSystems/robosystems-sub001/internal/agent"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lifecycle controller daemon",
	Long: `serve waits for a platform termination signal (SIGTERM/SIGINT) or a
POST /terminate on the local admin server, then runs the shutdown
protocol to completion. The protocol is never interrupted mid-step once
started.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		cfg, err := loadConfig(ctx, true)
		if err != nil {
			return err
		}

		controller, err := newController(ctx, cfg)
		if err != nil {
			return err
		}

		// The admin server lives past the termination signal so /status
		// and the idempotent /terminate stay reachable while the shutdown
		// protocol runs. It is stopped only after Terminate returns.
		srvCtx, srvStop := context.WithCancel(context.Background())
		defer srvStop()
		srv := agent.NewServer(controller, cfg.Instance.ID, stop)
		go func() {
			if serr := srv.Run(srvCtx, cfg.Server.BindAddr); serr != nil {
				log.Error().Err(serr).Msg("admin server failed")
			}
		}()

		log.Info().Str("instance", cfg.Instance.ID).Msg("lifecycle controller waiting for termination signal")
		<-ctx.Done()

		// The signal context is already canceled; the shutdown protocol
		// runs under its own bounded context so every step still has a
		// usable deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		controller.Terminate(shutdownCtx)
		srvStop()
		return nil
	},
}
