package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/peer"
	"github.com/netplay-project/netplay/internal/util"
)

func peerCmd() *cobra.Command {
	defaults := config.DefaultConfig().Connection
	opts := peer.Options{}

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a development server",
		Long: `Run a development server that speaks the netplay protocol.

It acknowledges connects, relays chat and positions, answers position
updates with the player list and remembers picked up items per player.
It has no game rules and is meant for local testing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			closer, err := util.InitLogger(util.DefaultLogConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := peer.NewServer(opts)
			if err := srv.Listen(ctx); err != nil {
				return err
			}

			log.Info().
				Str("addr", srv.Addr().String()).
				Str("version", opts.Version).
				Str("game_id", opts.GameID).
				Msg("development server listening")

			err = srv.Serve(ctx)
			log.Info().Msg("development server stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", fmt.Sprintf(":%d", config.DefaultServerPort), "listen address")
	cmd.Flags().StringVar(&opts.Version, "server-version", defaults.ClientVersion, "protocol version announced to clients")
	cmd.Flags().StringVar(&opts.GameID, "game-id", defaults.GameID, "only accept clients of this game (empty accepts any)")
	cmd.Flags().BoolVar(&opts.PushPickedItems, "push-picked", true, "send each player's picked items after the handshake")
	cmd.Flags().StringVar(&opts.RejectReason, "reject", "", "refuse every handshake with this reason")

	return cmd
}
