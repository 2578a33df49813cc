// bitbow-genfixture writes the tiny deterministic checkpoint used by
// the test suite to disk, so the CLI and inspector can be exercised
// end to end without downloading a real model.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/bitbow/internal/testmodel"
)

func main() {
	var (
		out      string
		ctxLen   int64
		gated    bool
		subNorms bool
		tied     bool
	)

	app := &cli.Command{
		Name:  "bitbow-genfixture",
		Usage: "Write the deterministic test checkpoint to a file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path",
				Value:       "fixture.gguf",
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "context-length",
				Usage:       "context window of the fixture",
				Value:       16,
				Destination: &ctxLen,
			},
			&cli.BoolFlag{
				Name:        "gated",
				Usage:       "include a gated FFN",
				Destination: &gated,
			},
			&cli.BoolFlag{
				Name:        "sub-norms",
				Usage:       "include attention and FFN sub-norms",
				Destination: &subNorms,
			},
			&cli.BoolFlag{
				Name:        "tied",
				Usage:       "tie the lm head to the embedding",
				Destination: &tied,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			data := testmodel.Build(testmodel.Options{
				ContextLength: int(ctxLen),
				Gated:         gated,
				SubNorms:      subNorms,
				TieLMHead:     tied,
			})
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", out, err), 1)
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
