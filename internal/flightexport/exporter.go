package flightexport

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

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Exporter streams per-step logit rows to an Arrow Flight endpoint.
// Each decode step becomes one record: a step column and a
// fixed-size-list logits column, one list entry per batch row.
type Exporter struct {
	mu     sync.Mutex
	addr   string
	client flight.Client
	alloc  memory.Allocator
}

// NewExporter creates a disconnected exporter for the given address.
func NewExporter(addr string) *Exporter {
	return &Exporter{addr: addr, alloc: memory.DefaultAllocator}
}

// Connect dials the Flight server over insecure gRPC.
func (e *Exporter) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddleware(e.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flight dial %s: %w", e.addr, err)
	}
	e.client = client
	logger.Component("flight").Info("flight exporter connected", "addr", e.addr)
	return nil
}

// Close tears down the Flight connection.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// StepSchema is the wire schema for one decode step. The logits column
// is FixedSizeList<float32>[vocab], one entry per batch row.
func StepSchema(vocabSize int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "logits", Type: arrow.FixedSizeListOf(int32(vocabSize), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// BuildStepRecord assembles one Arrow record for a decode step. The
// caller releases the record.
func (e *Exporter) BuildStepRecord(step int, logits [][]float32) (arrow.Record, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("no logit rows for step %d", step)
	}
	vocab := len(logits[0])
	for b, row := range logits {
		if len(row) != vocab {
			return nil, fmt.Errorf("logit row %d has %d entries, want %d", b, len(row), vocab)
		}
	}

	schema := StepSchema(vocab)
	bld := array.NewRecordBuilder(e.alloc, schema)
	defer bld.Release()

	stepBld := bld.Field(0).(*array.Int32Builder)
	listBld := bld.Field(1).(*array.FixedSizeListBuilder)
	valBld := listBld.ValueBuilder().(*array.Float32Builder)

	for _, row := range logits {
		stepBld.Append(int32(step))
		listBld.Append(true)
		valBld.AppendValues(row, nil)
	}

	return bld.NewRecord(), nil
}

// ExportStep ships one step's logits via DoPut. Implements the logit
// sink used by the decode loop.
func (e *Exporter) ExportStep(ctx context.Context, step int, logits [][]float32) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return fmt.Errorf("exporter not connected")
	}

	rec, err := e.BuildStepRecord(step, logits)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"logits"},
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("flight write step %d: %w", step, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("flight close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight close send: %w", err)
	}
	return nil
}
