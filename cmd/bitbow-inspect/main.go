// bitbow-inspect prints a JSON report of a GGUF checkpoint: the
// parsed hyperparameters, tokenizer summary and the full tensor table.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/bitbow/internal/config"
	"github.com/23skdu/bitbow/internal/gguf"
	"github.com/23skdu/bitbow/internal/tokenizer"
)

type tensorReport struct {
	Name  string   `json:"name"`
	Dims  []uint64 `json:"dims"`
	Type  string   `json:"type"`
	Bytes uint64   `json:"bytes"`
}

type report struct {
	Path         string            `json:"path"`
	Architecture string            `json:"architecture"`
	Config       *config.Config    `json:"config,omitempty"`
	ConfigError  string            `json:"config_error,omitempty"`
	Tokenizer    *tokenizerReport  `json:"tokenizer,omitempty"`
	TensorCount  int               `json:"tensor_count"`
	TotalBytes   uint64            `json:"total_bytes"`
	TypeCounts   map[string]int    `json:"type_counts"`
	Tensors      []tensorReport    `json:"tensors,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type tokenizerReport struct {
	VocabSize int    `json:"vocab_size"`
	BOS       int    `json:"bos"`
	EOS       int    `json:"eos"`
	AddBOS    bool   `json:"add_bos"`
	Template  string `json:"template"`
}

func main() {
	var (
		showTensors  bool
		showMetadata bool
	)

	app := &cli.Command{
		Name:      "bitbow-inspect",
		Usage:     "Describe a GGUF checkpoint as JSON",
		ArgsUsage: "<model.gguf>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "include the per-tensor table",
				Destination: &showTensors,
			},
			&cli.BoolFlag{
				Name:        "metadata",
				Usage:       "include raw metadata keys",
				Destination: &showMetadata,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return cli.Exit("usage: bitbow-inspect [flags] <model.gguf>", 1)
			}
			path := c.Args().First()

			f, err := gguf.LoadFile(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer f.Close()

			r := buildReport(path, f, showTensors, showMetadata)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildReport(path string, f *gguf.File, showTensors, showMetadata bool) report {
	r := report{
		Path:         path,
		Architecture: f.Architecture(),
		TensorCount:  len(f.Tensors),
		TypeCounts:   make(map[string]int),
	}

	if cfg, err := config.FromFile(f); err == nil {
		r.Config = &cfg
	} else {
		r.ConfigError = err.Error()
	}

	if tok, err := tokenizer.FromGGUF(f); err == nil {
		r.Tokenizer = &tokenizerReport{
			VocabSize: tok.VocabSize(),
			BOS:       tok.BOS(),
			EOS:       tok.EOS(),
			AddBOS:    tok.AddBOS(),
			Template:  tok.Template().String(),
		}
	}

	for _, ti := range f.Tensors {
		size := ti.SizeBytes()
		r.TotalBytes += size
		r.TypeCounts[ti.Type.String()]++
		if showTensors {
			r.Tensors = append(r.Tensors, tensorReport{
				Name:  ti.Name,
				Dims:  ti.Dimensions,
				Type:  ti.Type.String(),
				Bytes: size,
			})
		}
	}
	sort.Slice(r.Tensors, func(i, j int) bool { return r.Tensors[i].Name < r.Tensors[j].Name })

	if showMetadata {
		r.Metadata = make(map[string]string, len(f.KV))
		for k, v := range f.KV {
			r.Metadata[k] = fmt.Sprintf("%.120v", v)
		}
	}
	return r
}
