package quickstart

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/raskyld/intesa"
	"github.com/raskyld/intesa/pkg/lobby"
)

func (app *App) serveCommand(root *rootOptions) *cobra.Command {
	var players, bots int
	var announce bool
	var lobbyPort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authority and wait for players to join",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := root.handler()
			slog.SetDefault(slog.New(handler))
			logger := slog.New(handler)

			tlsCfg, err := devTLS(app.Name)
			if err != nil {
				return err
			}

			tr, err := intesa.NewTransport(&intesa.TransportConfig{
				TlsConfig:  tlsCfg,
				BindAddr:   root.Host,
				BindPort:   root.Port,
				LogHandler: handler,
			})
			if err != nil {
				return err
			}
			defer func() { _ = tr.Shutdown() }()

			if announce {
				lb, err := lobby.Open(lobby.Config{
					BindPort: lobbyPort,
					Advert: &lobby.Advert{
						ID:   uuid.New(),
						Game: app.Name,
						Port: root.Port,
					},
					LogHandler: handler,
				})
				if err != nil {
					return err
				}
				defer func() { _ = lb.Close() }()
				logger.Info("session advertised on the LAN",
					slog.Int("lobby_port", lobbyPort))
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger.Info("waiting for players",
				slog.Int("expected", players),
				slog.String("host", root.Host),
				slog.Int("port", root.Port))

			conns := make([]intesa.Channel, 0, players)
			for len(conns) < players {
				ch, err := tr.Accept(ctx)
				if err != nil {
					return err
				}
				conns = append(conns, ch)
				logger.Info("player connected",
					slog.Int("seated", len(conns)),
					slog.Int("expected", players))
			}

			extra, err := app.bots(bots)
			if err != nil {
				return err
			}

			g, err := intesa.NewServerGame(app.NewWorld(), app.NewReferee(), extra,
				app.Registry, conns, intesa.WithLog(handler))
			if err != nil {
				return err
			}
			return runGame(ctx, g, app.tickRate())
		},
	}

	cmd.Flags().IntVar(&players, "players", 1, "number of humans that will join")
	cmd.Flags().IntVar(&bots, "bots", 0, "number of bots playing on the authority")
	cmd.Flags().BoolVar(&announce, "lobby", false, "advertise this session on the LAN")
	cmd.Flags().IntVar(&lobbyPort, "lobby-port", 7946, "gossip port of the LAN lobby")
	return cmd
}
