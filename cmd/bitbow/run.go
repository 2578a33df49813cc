package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/bitbow/internal/flight"
	"github.com/23skdu/bitbow/internal/logger"
	"github.com/23skdu/bitbow/internal/monitoring"
	"github.com/23skdu/bitbow/pkg/bitnet"
)

// fileConfig mirrors the run flags; flags set on the command line win
// over values from --config.
type fileConfig struct {
	Model         string  `yaml:"model"`
	System        string  `yaml:"system"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n"`
	Seed          int64   `yaml:"seed"`
	LogLevel      string  `yaml:"log_level"`
	LogFormat     string  `yaml:"log_format"`
	MetricsAddr   string  `yaml:"metrics_addr"`
	FlightAddr    string  `yaml:"flight_addr"`
}

func runCmd() *cli.Command {
	var (
		modelPath     string
		prompt        string
		system        string
		configPath    string
		maxTokens     int64
		temp          float64
		topK          int64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
		logLevel      string
		logFormat     string
		metricsAddr   string
		flightAddr    string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a ternary GGUF checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to the .gguf checkpoint",
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "one-shot prompt; omit for interactive mode",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "system prompt",
				Destination: &system,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML config file with run defaults",
				Destination: &configPath,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"n"},
				Usage:       "maximum tokens per reply",
				Value:       256,
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling cutoff (0 = disabled)",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "repeat-last-n",
				Usage:       "penalty window over recent tokens",
				Value:       64,
				Destination: &repeatLastN,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (0 = time-seeded)",
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn or error",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console or json",
				Value:       "console",
				Destination: &logFormat,
			},
			&cli.StringFlag{
				Name:        "metrics",
				Usage:       "address for the health/metrics endpoint, e.g. :9090",
				Destination: &metricsAddr,
			},
			&cli.StringFlag{
				Name:        "trace-flight",
				Usage:       "Arrow Flight address to stream per-step logits to",
				Destination: &flightAddr,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if configPath != "" {
				fc, err := loadFileConfig(configPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
				}
				applyFileConfig(c, fc,
					&modelPath, &system, &maxTokens, &temp, &topK,
					&repeatPenalty, &repeatLastN, &seed,
					&logLevel, &logFormat, &metricsAddr, &flightAddr)
			}
			logger.Setup(logLevel, logFormat)

			if modelPath == "" {
				return cli.Exit("error: --model is required", 1)
			}

			loadStart := time.Now()
			model, err := bitnet.Load(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer model.Close()

			cfg := model.Config()
			logger.Log.Info("model loaded",
				"path", modelPath,
				"arch", cfg.Architecture,
				"layers", cfg.Layers,
				"dim", cfg.Dim,
				"ctx", cfg.SeqLen,
				"vocab", cfg.VocabSize,
				"duration", time.Since(loadStart).String())

			if metricsAddr != "" {
				mon := monitoring.NewServer(monitoring.ModelInfo{
					Path:          modelPath,
					Architecture:  cfg.Architecture,
					Layers:        cfg.Layers,
					ContextLength: cfg.SeqLen,
					VocabSize:     cfg.VocabSize,
					EmbeddingDim:  cfg.Dim,
				})
				go func() {
					if err := mon.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Log.Error("monitoring endpoint failed", "error", err)
					}
				}()
				defer mon.Shutdown(context.Background())
			}

			session, err := model.OpenSession(system)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open session: %v", err), 1)
			}

			if flightAddr != "" {
				pub, err := flight.Dial(flightAddr, cfg.VocabSize)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: flight: %v", err), 1)
				}
				defer pub.Close()
				session.SetTrace(pub.Hook())
			}

			sampling := bitnet.SamplingConfig{
				MaxTokens:     int(maxTokens),
				Temperature:   float32(temp),
				TopK:          int(topK),
				RepeatPenalty: float32(repeatPenalty),
				RepeatLastN:   int(repeatLastN),
				Seed:          seed,
			}

			if prompt != "" {
				return oneShot(ctx, session, prompt, sampling)
			}
			return repl(ctx, model, session, system, sampling)
		},
	}
}

func oneShot(ctx context.Context, session *bitnet.Session, prompt string, sampling bitnet.SamplingConfig) error {
	start := time.Now()
	_, res, err := session.Chat(ctx, prompt, func(frag string) {
		fmt.Print(frag)
	}, sampling)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
	}
	fmt.Println()
	reportTurn(res, time.Since(start))
	return nil
}

func repl(ctx context.Context, model *bitnet.Model, session *bitnet.Session, system string, sampling bitnet.SamplingConfig) error {
	fmt.Fprintln(os.Stderr, "Interactive mode. /reset clears the conversation, /exit quits.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "/exit":
			return nil
		case input == "/reset":
			fresh, err := model.OpenSession(system)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open session: %v", err), 1)
			}
			session = fresh
			fmt.Fprintln(os.Stderr, "conversation cleared")
			continue
		}

		start := time.Now()
		_, res, err := session.Chat(ctx, input, func(frag string) {
			fmt.Print(frag)
		}, sampling)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: generate: %v\n", err)
			continue
		}
		fmt.Println()
		reportTurn(res, time.Since(start))

		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func reportTurn(res bitnet.Result, elapsed time.Duration) {
	tps := 0.0
	if elapsed > 0 {
		tps = float64(res.TokensGenerated) / elapsed.Seconds()
	}
	fmt.Fprintf(os.Stderr, "[%d tokens, %.2f tok/s, stop=%s]\n",
		res.TokensGenerated, tps, res.StopReason)
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// applyFileConfig fills in values from the config file for every flag
// the user did not set explicitly.
func applyFileConfig(c *cli.Command, fc fileConfig,
	modelPath, system *string, maxTokens *int64, temp *float64, topK *int64,
	repeatPenalty *float64, repeatLastN, seed *int64,
	logLevel, logFormat, metricsAddr, flightAddr *string,
) {
	if !c.IsSet("model") && fc.Model != "" {
		*modelPath = fc.Model
	}
	if !c.IsSet("system") && fc.System != "" {
		*system = fc.System
	}
	if !c.IsSet("max-tokens") && fc.MaxTokens != 0 {
		*maxTokens = int64(fc.MaxTokens)
	}
	if !c.IsSet("temp") && fc.Temperature != 0 {
		*temp = fc.Temperature
	}
	if !c.IsSet("top-k") && fc.TopK != 0 {
		*topK = int64(fc.TopK)
	}
	if !c.IsSet("repeat-penalty") && fc.RepeatPenalty != 0 {
		*repeatPenalty = fc.RepeatPenalty
	}
	if !c.IsSet("repeat-last-n") && fc.RepeatLastN != 0 {
		*repeatLastN = int64(fc.RepeatLastN)
	}
	if !c.IsSet("seed") && fc.Seed != 0 {
		*seed = fc.Seed
	}
	if !c.IsSet("log-level") && fc.LogLevel != "" {
		*logLevel = fc.LogLevel
	}
	if !c.IsSet("log-format") && fc.LogFormat != "" {
		*logFormat = fc.LogFormat
	}
	if !c.IsSet("metrics") && fc.MetricsAddr != "" {
		*metricsAddr = fc.MetricsAddr
	}
	if !c.IsSet("trace-flight") && fc.FlightAddr != "" {
		*flightAddr = fc.FlightAddr
	}
}
