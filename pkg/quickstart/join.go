package quickstart

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/raskyld/intesa"
	"github.com/raskyld/intesa/pkg/lobby"
)

func (app *App) joinCommand(root *rootOptions) *cobra.Command {
	var name string
	var browse bool
	var lobbyPort int

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a game served on --host and --port",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := root.handler()
			slog.SetDefault(slog.New(handler))

			// The authority serves a throwaway self-signed certificate, so
			// there is nothing to verify against. Development only.
			tlsCfg := &tls.Config{
				InsecureSkipVerify: true,
				NextProtos:         []string{intesa.ProtoALPN},
			}

			tr, err := intesa.NewTransport(&intesa.TransportConfig{
				TlsConfig:  tlsCfg,
				BindAddr:   "0.0.0.0",
				BindPort:   0,
				LogHandler: handler,
			})
			if err != nil {
				return err
			}
			defer func() { _ = tr.Shutdown() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			target := fmt.Sprintf("%s:%d", root.Host, root.Port)
			if browse {
				target, err = browseLobby(app.Name, root.Host, lobbyPort, handler)
				if err != nil {
					return err
				}
			}
			conn, err := tr.Dial(ctx, target)
			if err != nil {
				return fmt.Errorf("joining %s: %w", target, err)
			}

			g, err := intesa.NewClientGame(app.NewWorld(), app.NewPlayer(),
				app.Registry, conn,
				intesa.WithLog(handler), intesa.WithPlayerName(name))
			if err != nil {
				return err
			}
			return runGame(ctx, g, app.tickRate())
		},
	}

	cmd.Flags().StringVar(&name, "name", "player", "name announced to the authority")
	cmd.Flags().BoolVar(&browse, "browse", false, "find the session through the LAN lobby instead of --port")
	cmd.Flags().IntVar(&lobbyPort, "lobby-port", 7946, "gossip port of the LAN lobby")
	return cmd
}

// browseLobby joins the gossip cluster seeded at seed:port and waits for an
// advert of the wanted game.
func browseLobby(game, seed string, port int, handler slog.Handler) (string, error) {
	lb, err := lobby.Open(lobby.Config{
		BindPort:   port,
		Neighbours: []string{fmt.Sprintf("%s:%d", seed, port)},
		LogHandler: handler,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = lb.Close() }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, ad := range lb.Games() {
			if ad.Game == game {
				slog.Info("session found on the lobby",
					slog.String("id", ad.ID.String()),
					slog.String("target", ad.Target()))
				return ad.Target(), nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return "", fmt.Errorf("no %q session advertised on the lobby", game)
}
