// Package flight streams decode telemetry to an Arrow Flight endpoint.
// Each record batch carries the position, a kind tag and the full
// logits vector for positions the engine traced, so an external
// consumer can replay or analyze a generation offline.
package flight

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/bitbow/internal/logger"
)

const defaultBatchSize = 64

// KindLogits tags per-position logit vectors, the only telemetry kind
// emitted today.
const KindLogits = "logits"

type sample struct {
	step   int64
	kind   string
	vector []float32
}

// Publisher batches telemetry vectors and ships them over DoPut. Safe
// for use from a single generation goroutine; Flush and Close may come
// from another.
type Publisher struct {
	client    flight.Client
	dim       int
	path      string
	batchSize int

	mu  sync.Mutex
	buf []sample
}

// Dial connects a publisher to a Flight endpoint. dim fixes the width
// of every published vector. The underlying gRPC channel connects
// lazily, so Dial succeeds even while the collector is down.
func Dial(addr string, dim int) (*Publisher, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("flight: vector dim must be positive, got %d", dim)
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight: dial %s: %w", addr, err)
	}
	logger.Log.Info("flight telemetry enabled", "addr", addr, "dim", dim)
	return &Publisher{
		client:    client,
		dim:       dim,
		path:      "telemetry/decode",
		batchSize: defaultBatchSize,
	}, nil
}

// Schema returns the record layout the publisher emits.
func Schema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "kind", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// Publish buffers one vector. The vector is copied, so callers may
// reuse the slice. Vectors of the wrong width are dropped with a log
// line rather than poisoning the batch.
func (p *Publisher) Publish(ctx context.Context, step int, kind string, vec []float32) {
	if len(vec) != p.dim {
		logger.Log.Warn("flight: dropping vector of wrong width",
			"got", len(vec), "want", p.dim)
		return
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)

	p.mu.Lock()
	p.buf = append(p.buf, sample{step: int64(step), kind: kind, vector: cp})
	full := len(p.buf) >= p.batchSize
	p.mu.Unlock()

	if full {
		if err := p.Flush(ctx); err != nil {
			logger.Log.Warn("flight: flush failed", "error", err)
		}
	}
}

// Hook adapts the publisher to the engine's trace callback. Telemetry
// is best effort: ship failures are logged and never interrupt
// generation.
func (p *Publisher) Hook() func(pos int, logits []float32) {
	return func(pos int, logits []float32) {
		p.Publish(context.Background(), pos, KindLogits, logits)
	}
}

// Flush ships all buffered samples as one record batch.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	pending := p.buf
	p.buf = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rec := buildRecord(memory.DefaultAllocator, p.dim, pending)
	defer rec.Release()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight: DoPut: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{p.path},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("flight: write batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flight: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight: close stream: %w", err)
	}
	logger.Log.Debug("flight batch shipped", "samples", len(pending))
	return nil
}

// Close flushes whatever is buffered and tears down the connection.
func (p *Publisher) Close() error {
	flushErr := p.Flush(context.Background())
	if err := p.client.Close(); err != nil {
		return err
	}
	return flushErr
}

func buildRecord(mem memory.Allocator, dim int, samples []sample) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema(dim))
	defer b.Release()

	steps := b.Field(0).(*array.Int64Builder)
	kinds := b.Field(1).(*array.StringBuilder)
	lists := b.Field(2).(*array.FixedSizeListBuilder)
	values := lists.ValueBuilder().(*array.Float32Builder)

	for _, s := range samples {
		steps.Append(s.step)
		kinds.Append(s.kind)
		lists.Append(true)
		values.AppendValues(s.vector, nil)
	}
	return b.NewRecord()
}
