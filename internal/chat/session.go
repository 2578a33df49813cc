// Package chat drives multi-turn conversations over a decode engine:
// prompt rendering, streaming generation with stop conditions, and the
// single-flight session guard.
package chat

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/23skdu/bitbow/internal/engine"
	"github.com/23skdu/bitbow/internal/logger"
	"github.com/23skdu/bitbow/internal/metrics"
	"github.com/23skdu/bitbow/internal/tokenizer"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role
	Content string
}

// StopReason explains why a generation turn ended. Overflow and
// cancellation are ordinary outcomes, not errors; the session stays
// usable afterwards.
type StopReason int

const (
	StopEndOfSequence StopReason = iota
	StopMaxTokens
	StopContextOverflow
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopEndOfSequence:
		return "end_of_sequence"
	case StopMaxTokens:
		return "max_tokens"
	case StopContextOverflow:
		return "context_overflow"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type SamplingConfig struct {
	MaxTokens     int
	Temperature   float32
	TopK          int
	RepeatPenalty float32
	RepeatLastN   int
	Seed          int64
}

func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		MaxTokens:     256,
		Temperature:   0.8,
		TopK:          40,
		RepeatPenalty: 1.1,
	}
}

func (c SamplingConfig) validate() error {
	if c.MaxTokens < 0 {
		return engine.InvalidConfigError{Field: "max_tokens", Value: c.MaxTokens, Reason: "must be >= 0"}
	}
	return c.sampler().Validate()
}

func (c SamplingConfig) sampler() engine.SamplerConfig {
	return engine.SamplerConfig{
		Temperature:   c.Temperature,
		TopK:          c.TopK,
		RepeatPenalty: c.RepeatPenalty,
		RepeatLastN:   c.RepeatLastN,
		Seed:          c.Seed,
	}
}

type Result struct {
	TokensGenerated int
	StopReason      StopReason
}

var (
	// ErrSessionBusy rejects a Generate that overlaps another on the
	// same session. Sessions never queue callers.
	ErrSessionBusy = errors.New("session busy: generation already in progress")

	// ErrDisposed rejects use of a session whose model was closed.
	ErrDisposed = errors.New("model disposed")
)

// Session owns one conversation: an engine with its KV cache, the
// accumulated turns, and the single-flight guard. Sessions are cheap;
// the weights behind them are shared.
type Session struct {
	eng      *engine.Engine
	tok      *tokenizer.Tokenizer
	system   string
	history  []Turn
	busy     atomic.Bool
	disposed *atomic.Bool
}

// NewSession wires a session over its engine. disposed is the owning
// model's lifecycle flag; a nil disposed means the session lives until
// the process does.
func NewSession(eng *engine.Engine, tok *tokenizer.Tokenizer, system string, disposed *atomic.Bool) *Session {
	return &Session{eng: eng, tok: tok, system: system, disposed: disposed}
}

// SetTrace forwards per-position logits to fn, for telemetry export.
func (s *Session) SetTrace(fn func(pos int, logits []float32)) {
	s.eng.Trace = fn
}

// History returns a copy of the accumulated conversation.
func (s *Session) History() []Turn {
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// ContextLen reports the number of positions held in the KV cache.
func (s *Session) ContextLen() int { return s.eng.CacheLen() }

// Chat appends a user turn, generates the assistant reply over the
// whole conversation, records it in the history and returns its text.
func (s *Session) Chat(ctx context.Context, userText string, onToken func(string), cfg SamplingConfig) (string, Result, error) {
	turns := append(s.History(), Turn{Role: RoleUser, Content: userText})

	var reply []byte
	res, err := s.Generate(ctx, turns, func(frag string) {
		reply = append(reply, frag...)
		if onToken != nil {
			onToken(frag)
		}
	}, cfg)
	if err != nil {
		return "", res, err
	}

	s.history = append(s.history, Turn{Role: RoleUser, Content: userText})
	// A zero-token turn (prompt overflow, MaxTokens 0) leaves no
	// assistant text worth replaying into later prompts.
	if len(reply) > 0 {
		s.history = append(s.history, Turn{Role: RoleAssistant, Content: string(reply)})
	}
	return string(reply), res, nil
}

// Generate renders the given turns through the model's chat template,
// prefills the freshly reset cache and decodes until a stop condition.
// Fragments reach onToken in order, at most once, never after return.
func (s *Session) Generate(ctx context.Context, turns []Turn, onToken func(string), cfg SamplingConfig) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if s.disposed != nil && s.disposed.Load() {
		return Result{}, ErrDisposed
	}
	if !s.busy.CompareAndSwap(false, true) {
		metrics.RecordSessionRejected()
		return Result{}, ErrSessionBusy
	}
	defer s.busy.Store(false)

	if cfg.MaxTokens == 0 {
		return s.finish(Result{TokensGenerated: 0, StopReason: StopMaxTokens})
	}

	prompt := s.tok.RenderChat(s.messages(turns))
	ids, err := s.tok.Encode(prompt, s.tok.AddBOS())
	if err != nil {
		return Result{}, err
	}
	metrics.RecordContextLength(len(ids))

	// Every turn re-prefills the full rendered history against an
	// empty cache.
	s.eng.Reset()
	logits, err := s.eng.Prefill(ids)
	if errors.Is(err, engine.ErrContextOverflow) {
		s.eng.Reset()
		logger.Log.Warn("prompt exceeds context window", "prompt_tokens", len(ids))
		return s.finish(Result{TokensGenerated: 0, StopReason: StopContextOverflow})
	}
	if err != nil {
		return Result{}, err
	}

	sampler := engine.NewSampler(cfg.sampler())
	stream := s.tok.NewStream()
	emit := func(frag string) {
		if frag != "" && onToken != nil {
			onToken(frag)
		}
	}

	var recent []int
	generated := 0
	for generated < cfg.MaxTokens {
		if ctx.Err() != nil {
			s.eng.Reset()
			return s.finish(Result{TokensGenerated: generated, StopReason: StopCancelled})
		}

		next := sampler.Sample(logits, recent)
		if s.tok.IsStop(next) {
			emit(stream.Flush())
			return s.finish(Result{TokensGenerated: generated, StopReason: StopEndOfSequence})
		}

		emit(stream.Push(next))
		recent = append(recent, next)
		generated++
		if generated >= cfg.MaxTokens {
			emit(stream.Flush())
			return s.finish(Result{TokensGenerated: generated, StopReason: StopMaxTokens})
		}

		logits, err = s.eng.Step(next)
		if errors.Is(err, engine.ErrContextOverflow) {
			s.eng.Reset()
			emit(stream.Flush())
			return s.finish(Result{TokensGenerated: generated, StopReason: StopContextOverflow})
		}
		if err != nil {
			return Result{}, err
		}
	}

	return s.finish(Result{TokensGenerated: generated, StopReason: StopMaxTokens})
}

func (s *Session) messages(turns []Turn) []tokenizer.Message {
	msgs := make([]tokenizer.Message, 0, len(turns)+1)
	hasSystem := false
	for _, t := range turns {
		if t.Role == RoleSystem {
			hasSystem = true
		}
	}
	if s.system != "" && !hasSystem {
		msgs = append(msgs, tokenizer.Message{Role: string(RoleSystem), Content: s.system})
	}
	for _, t := range turns {
		msgs = append(msgs, tokenizer.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

func (s *Session) finish(res Result) (Result, error) {
	metrics.RecordGeneration(res.StopReason.String())
	logger.Log.Debug("generation finished",
		"tokens", res.TokensGenerated,
		"stop_reason", res.StopReason.String())
	return res, nil
}
