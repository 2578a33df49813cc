// Package bitnet is the public entry point: load a ternary GGUF
// checkpoint once, then open any number of independent chat sessions
// over the shared weights.
package bitnet

import (
	"sync/atomic"

	"github.com/23skdu/bitbow/internal/chat"
	"github.com/23skdu/bitbow/internal/config"
	"github.com/23skdu/bitbow/internal/engine"
	"github.com/23skdu/bitbow/internal/tensor"
	"github.com/23skdu/bitbow/internal/tokenizer"
)

// Re-exported so callers configure sampling without importing
// internals.
type (
	SamplingConfig = chat.SamplingConfig
	Result         = chat.Result
	StopReason     = chat.StopReason
	Turn           = chat.Turn
	Role           = chat.Role
	Session        = chat.Session
)

const (
	RoleSystem    = chat.RoleSystem
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant

	StopEndOfSequence   = chat.StopEndOfSequence
	StopMaxTokens       = chat.StopMaxTokens
	StopContextOverflow = chat.StopContextOverflow
	StopCancelled       = chat.StopCancelled
)

var (
	ErrSessionBusy = chat.ErrSessionBusy
	ErrDisposed    = chat.ErrDisposed
)

// DefaultSamplingConfig returns the sampling defaults.
func DefaultSamplingConfig() SamplingConfig { return chat.DefaultSamplingConfig() }

// Model is an open checkpoint. The weight store is memory-mapped and
// shared read-only across every session the model spawns.
type Model struct {
	store    *tensor.Store
	tok      *tokenizer.Tokenizer
	disposed atomic.Bool
}

// Load opens and validates a GGUF checkpoint from disk.
func Load(path string) (*Model, error) {
	store, err := tensor.Open(path)
	if err != nil {
		return nil, err
	}
	return wrap(store)
}

// LoadBytes builds a model from an in-memory checkpoint image.
func LoadBytes(data []byte) (*Model, error) {
	store, err := tensor.FromBytes(data)
	if err != nil {
		return nil, err
	}
	return wrap(store)
}

func wrap(store *tensor.Store) (*Model, error) {
	tok, err := tokenizer.FromGGUF(store.File())
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Model{store: store, tok: tok}, nil
}

// OpenSession creates a conversation with its own decode engine and KV
// cache. systemPrompt may be empty. Sessions are independent; run as
// many concurrently as memory allows.
func (m *Model) OpenSession(systemPrompt string) (*Session, error) {
	if m.disposed.Load() {
		return nil, ErrDisposed
	}
	eng, err := engine.New(m.store)
	if err != nil {
		return nil, err
	}
	return chat.NewSession(eng, m.tok, systemPrompt, &m.disposed), nil
}

// Config returns the model hyperparameters read from the checkpoint.
func (m *Model) Config() config.Config { return m.store.Config() }

// Tokenizer exposes the model's tokenizer for callers that want to
// count or inspect tokens directly.
func (m *Model) Tokenizer() *tokenizer.Tokenizer { return m.tok }

// Close unmaps the checkpoint. Sessions already open fail their next
// Generate with ErrDisposed. Close is idempotent.
func (m *Model) Close() error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	return m.store.Close()
}
