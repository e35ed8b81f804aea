package quickstart

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/raskyld/intesa"
)

func (app *App) sandboxCommand(root *rootOptions) *cobra.Command {
	var bots int

	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Play alone against bots, with none of the multiplayer machinery",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := root.handler()
			slog.SetDefault(slog.New(handler))

			players := []intesa.Participant{app.NewPlayer()}
			extra, err := app.bots(bots)
			if err != nil {
				return err
			}
			players = append(players, extra...)

			g, err := intesa.NewLocalGame(app.NewWorld(), app.NewReferee(), players,
				intesa.WithLog(handler))
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runGame(ctx, g, app.tickRate())
		},
	}

	cmd.Flags().IntVar(&bots, "bots", 1, "number of bots to play against")
	return cmd
}
