package quickstart

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

func (app *App) debugCommand(root *rootOptions) *cobra.Command {
	var players, bots int

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Play a whole multiplayer session on this machine",
		Long: `Debug a multiplayer game locally.

This relaunches the executable once as the authority and once per player,
so every endpoint runs exactly the code it would run across a network. The
output of each process is tagged with its name so they can be told apart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			common := []string{"--host", root.Host, "--port", strconv.Itoa(root.Port)}
			if root.Verbose {
				common = append(common, "--verbose")
			}

			type child struct {
				name string
				args []string
			}
			children := []child{{
				name: "server",
				args: append([]string{"serve",
					"--players", strconv.Itoa(players),
					"--bots", strconv.Itoa(bots)}, common...),
			}}
			for i := 1; i <= players; i++ {
				children = append(children, child{
					name: fmt.Sprintf("client-%d", i),
					args: append([]string{"join",
						"--name", fmt.Sprintf("player-%d", i)}, common...),
				})
			}

			var outLk sync.Mutex
			var wg sync.WaitGroup
			errs := make([]error, len(children))
			for i, ch := range children {
				proc := exec.CommandContext(ctx, exe, ch.args...)
				w := &prefixWriter{w: os.Stderr, lk: &outLk, prefix: ch.name}
				proc.Stdout = w
				proc.Stderr = w
				if err := proc.Start(); err != nil {
					return fmt.Errorf("launching %s: %w", ch.name, err)
				}
				wg.Add(1)
				go func(i int, proc *exec.Cmd) {
					defer wg.Done()
					errs[i] = proc.Wait()
				}(i, proc)

				if i == 0 {
					// Give the authority a head start to bind its port.
					time.Sleep(300 * time.Millisecond)
				}
			}
			wg.Wait()

			for i, err := range errs {
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("%s: %w", children[i].name, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&players, "players", 2, "number of clients to launch")
	cmd.Flags().IntVar(&bots, "bots", 0, "number of bots playing on the authority")
	return cmd
}

// prefixWriter relays a child's output line by line, tagged with the child's
// name. The lock is shared by every child so lines never interleave.
type prefixWriter struct {
	w      io.Writer
	lk     *sync.Mutex
	prefix string
	buf    bytes.Buffer
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	pw.lk.Lock()
	defer pw.lk.Unlock()

	pw.buf.Write(p)
	for {
		line, err := pw.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next Write.
			pw.buf.WriteString(line)
			break
		}
		fmt.Fprintf(pw.w, "%s | %s", pw.prefix, line)
	}
	return len(p), nil
}
