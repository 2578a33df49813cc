package flight

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestBuildRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	samples := []sample{
		{step: 0, kind: KindLogits, vector: []float32{1, 2, 3}},
		{step: 1, kind: KindLogits, vector: []float32{4, 5, 6}},
	}
	rec := buildRecord(mem, 3, samples)
	defer rec.Release()

	if rec.NumRows() != 2 || rec.NumCols() != 3 {
		t.Fatalf("record shape %dx%d, want 2x3", rec.NumRows(), rec.NumCols())
	}
	if !rec.Schema().Equal(Schema(3)) {
		t.Fatalf("schema mismatch: %v", rec.Schema())
	}

	steps := rec.Column(0).(*array.Int64)
	if steps.Value(0) != 0 || steps.Value(1) != 1 {
		t.Errorf("steps = %v", steps)
	}
	kinds := rec.Column(1).(*array.String)
	if kinds.Value(0) != KindLogits {
		t.Errorf("kind = %q", kinds.Value(0))
	}

	lists := rec.Column(2).(*array.FixedSizeList)
	values := lists.ListValues().(*array.Float32)
	want := []float32{1, 2, 3, 4, 5, 6}
	for i, v := range want {
		if values.Value(i) != v {
			t.Errorf("flat value[%d] = %v, want %v", i, values.Value(i), v)
		}
	}
}

func TestSchemaShape(t *testing.T) {
	s := Schema(8)
	if s.NumFields() != 3 {
		t.Fatalf("fields = %d", s.NumFields())
	}
	list, ok := s.Field(2).Type.(*arrow.FixedSizeListType)
	if !ok {
		t.Fatalf("vector field type = %v", s.Field(2).Type)
	}
	if list.Len() != 8 {
		t.Errorf("vector width = %d, want 8", list.Len())
	}
}

func TestPublishBuffersAndCopies(t *testing.T) {
	p := &Publisher{dim: 2, batchSize: 16}

	vec := []float32{1, 2}
	p.Publish(context.Background(), 0, KindLogits, vec)
	vec[0] = 99

	if len(p.buf) != 1 {
		t.Fatalf("buffered %d samples, want 1", len(p.buf))
	}
	if p.buf[0].vector[0] != 1 {
		t.Error("publisher must copy the vector, not alias it")
	}
}

func TestPublishDropsWrongWidth(t *testing.T) {
	p := &Publisher{dim: 4, batchSize: 16}
	p.Publish(context.Background(), 0, KindLogits, []float32{1, 2})
	if len(p.buf) != 0 {
		t.Errorf("wrong-width vector was buffered")
	}
}

func TestHookForwardsPosition(t *testing.T) {
	p := &Publisher{dim: 3, batchSize: 16}
	hook := p.Hook()
	hook(7, []float32{1, 2, 3})

	if len(p.buf) != 1 || p.buf[0].step != 7 || p.buf[0].kind != KindLogits {
		t.Errorf("buffered sample = %+v", p.buf)
	}
}
