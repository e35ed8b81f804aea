// Package quickstart turns a game built on the engine into a runnable
// command with the least possible amount of boilerplate: a sandbox mode, a
// serving mode, a joining mode and a debug mode that plays a whole
// multiplayer session on one machine.
//
// The serving and joining commands secure their sessions with a throwaway
// self-signed certificate, which is fine for a LAN game night and nothing
// else. A production game writes its own main function and brings real
// certificates.
package quickstart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/raskyld/intesa"
	"github.com/raskyld/intesa/pkg/wire"
)

// App describes a game to the quickstart commands. Every factory builds a
// fresh value: each process (and each sandbox) instantiates its own world
// and participants.
type App struct {
	// Name of the executable, used as the command name.
	Name string

	// Short one-line description for the command help.
	Short string

	// NewWorld builds an empty world.
	NewWorld func() intesa.World

	// NewReferee builds the authority participant.
	NewReferee func() intesa.Participant

	// NewPlayer builds the participant a human drives.
	NewPlayer func() intesa.Participant

	// NewBot builds the nth computer-driven participant, nil when the game
	// has none. Each bot must carry a distinct role.
	NewBot func(n int) intesa.Participant

	// Registry holds every operation, entity and correction payload the
	// game puts on the wire.
	Registry *wire.Registry

	// TickRate is the period of the game loop. Defaults to 50ms.
	TickRate time.Duration
}

// netEnv is the environment-driven default for where sessions live.
type netEnv struct {
	Host string `env:"INTESA_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"INTESA_PORT" envDefault:"53351"`
}

// rootOptions holds the global flags shared by every command.
type rootOptions struct {
	Verbose bool
	Host    string
	Port    int
}

func (opts *rootOptions) handler() slog.Handler {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}

// Main parses the command line and runs the selected mode. It exits the
// process on failure.
func (app *App) Main() {
	cmd, err := app.rootCommand()
	if err == nil {
		err = cmd.Execute()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", app.Name, err)
		os.Exit(1)
	}
}

func (app *App) rootCommand() (*cobra.Command, error) {
	defaults := netEnv{}
	if err := env.Parse(&defaults); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           app.Name,
		Short:         app.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine internals")
	cmd.PersistentFlags().StringVar(&opts.Host, "host", defaults.Host, "address of the machine running the authority")
	cmd.PersistentFlags().IntVar(&opts.Port, "port", defaults.Port, "port the authority listens on")

	cmd.AddCommand(app.sandboxCommand(opts))
	cmd.AddCommand(app.serveCommand(opts))
	cmd.AddCommand(app.joinCommand(opts))
	cmd.AddCommand(app.debugCommand(opts))
	return cmd, nil
}

func (app *App) tickRate() time.Duration {
	if app.TickRate > 0 {
		return app.TickRate
	}
	return 50 * time.Millisecond
}

func (app *App) bots(n int) ([]intesa.Participant, error) {
	if n == 0 {
		return nil, nil
	}
	if app.NewBot == nil {
		return nil, fmt.Errorf("%s has no bots", app.Name)
	}
	out := make([]intesa.Participant, n)
	for i := range out {
		out[i] = app.NewBot(i)
	}
	return out, nil
}

// signalContext cancels when the user interrupts the process.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runGame drives the game to completion, treating user interruption as a
// normal way to stop playing.
func runGame(ctx context.Context, g *intesa.Game, rate time.Duration) error {
	err := g.Run(ctx, rate)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
