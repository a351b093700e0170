package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-seqnp/internal/model"
)

// ErrBadRecord is returned when a record does not follow the observation
// schema.
var ErrBadRecord = errors.New("client: malformed observation record")

// Column names of the observation and prediction schemas.
const (
	ColContextX   = "context_x"
	ColContextY   = "context_y"
	ColTargetX    = "target_x"
	ColTargetY    = "target_y"
	ColMeanTarget = "mean_target"
	ColLoss       = "loss"
)

var float32List = arrow.ListOf(arrow.PrimitiveTypes.Float32)

// ObservationSchema has one row per batch element; every column holds the
// row-major Len x Dim values of that element.
var ObservationSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColContextX, Type: float32List},
		{Name: ColContextY, Type: float32List},
		{Name: ColTargetX, Type: float32List},
		{Name: ColTargetY, Type: float32List, Nullable: true},
	},
	nil,
)

// PredictionSchema carries the target predictions per batch element and the
// batch loss, repeated on every row, when target y was given.
var PredictionSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColMeanTarget, Type: float32List},
		{Name: ColLoss, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from observations and
// predictions.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

func (b *RecordBatchBuilder) buildList(seq *model.Sequence, rows int) arrow.Array {
	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)

	for r := 0; r < rows; r++ {
		if seq == nil {
			listBuilder.AppendNull()
			continue
		}
		step := seq.Len * seq.Dim
		listBuilder.Append(true)
		valueBuilder.AppendValues(seq.Data[r*step:(r+1)*step], nil)
	}
	return listBuilder.NewArray()
}

// BuildObservationRecord encodes a batch using ObservationSchema.
func (b *RecordBatchBuilder) BuildObservationRecord(in model.Inputs) (arrow.RecordBatch, error) {
	if in.ContextX == nil || in.ContextY == nil || in.TargetX == nil {
		return nil, fmt.Errorf("%w: context_x, context_y and target_x are required", ErrBadRecord)
	}
	rows := in.ContextX.Batch

	cols := []arrow.Array{
		b.buildList(in.ContextX, rows),
		b.buildList(in.ContextY, rows),
		b.buildList(in.TargetX, rows),
		b.buildList(in.TargetY, rows),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(ObservationSchema, cols, int64(rows)), nil
}

// BuildPredictionRecord encodes the target predictions of out using
// PredictionSchema.
func (b *RecordBatchBuilder) BuildPredictionRecord(out *model.Output) (arrow.RecordBatch, error) {
	if out == nil || out.MeanTarget == nil {
		return nil, fmt.Errorf("client: empty prediction")
	}
	rows := out.MeanTarget.Batch

	mean := b.buildList(out.MeanTarget, rows)
	defer mean.Release()

	lossBuilder := array.NewFloat64Builder(b.mem)
	defer lossBuilder.Release()
	for r := 0; r < rows; r++ {
		if out.Losses.Loss == nil {
			lossBuilder.AppendNull()
		} else {
			lossBuilder.Append(*out.Losses.Loss)
		}
	}
	loss := lossBuilder.NewArray()
	defer loss.Release()

	return array.NewRecordBatch(PredictionSchema, []arrow.Array{mean, loss}, int64(rows)), nil
}

func listColumn(rec arrow.RecordBatch, name string) (*array.List, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: missing column %s", ErrBadRecord, name)
	}
	list, ok := rec.Column(idx[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: column %s is %s, want list<float32>", ErrBadRecord, name, rec.Column(idx[0]).DataType())
	}
	if _, ok := list.ListValues().(*array.Float32); !ok {
		return nil, fmt.Errorf("%w: column %s is %s, want list<float32>", ErrBadRecord, name, list.DataType())
	}
	return list, nil
}

// sequenceFromList decodes one list column into a Batch x Len x dim sequence.
// Every row must have the same length. A column whose rows are all null
// decodes to nil when nullable is set.
func sequenceFromList(list *array.List, name string, dim int, nullable bool) (*model.Sequence, error) {
	rows := list.Len()
	if nullable && list.NullN() == rows && rows > 0 {
		return nil, nil
	}
	if list.NullN() > 0 {
		return nil, fmt.Errorf("%w: column %s has %d null rows", ErrBadRecord, name, list.NullN())
	}

	values := list.ListValues().(*array.Float32).Float32Values()
	var seq *model.Sequence
	for r := 0; r < rows; r++ {
		start, end := list.ValueOffsets(r)
		n := int(end - start)
		if n%dim != 0 {
			return nil, fmt.Errorf("%w: column %s row %d has %d values, not a multiple of %d", ErrBadRecord, name, r, n, dim)
		}
		if seq == nil {
			seq = model.NewSequence(rows, n/dim, dim)
		} else if n != seq.Len*dim {
			return nil, fmt.Errorf("%w: column %s row %d has %d values, row 0 has %d", ErrBadRecord, name, r, n, seq.Len*dim)
		}
		copy(seq.Data[r*n:(r+1)*n], values[start:end])
	}
	if seq == nil {
		seq = model.NewSequence(0, 0, dim)
	}
	return seq, nil
}

// ObservationsFromRecord decodes a record in ObservationSchema into a batch.
func ObservationsFromRecord(rec arrow.RecordBatch, xDim, yDim int) (model.Inputs, error) {
	if xDim <= 0 || yDim <= 0 {
		return model.Inputs{}, fmt.Errorf("client: invalid dims x=%d y=%d", xDim, yDim)
	}
	var in model.Inputs
	specs := []struct {
		name     string
		dim      int
		nullable bool
		dst      **model.Sequence
	}{
		{ColContextX, xDim, false, &in.ContextX},
		{ColContextY, yDim, false, &in.ContextY},
		{ColTargetX, xDim, false, &in.TargetX},
		{ColTargetY, yDim, true, &in.TargetY},
	}

	for _, s := range specs {
		if s.nullable && len(rec.Schema().FieldIndices(s.name)) == 0 {
			continue
		}
		list, err := listColumn(rec, s.name)
		if err != nil {
			return model.Inputs{}, err
		}
		seq, err := sequenceFromList(list, s.name, s.dim, s.nullable)
		if err != nil {
			return model.Inputs{}, err
		}
		*s.dst = seq
	}
	return in, nil
}

// PredictionsFromRecord decodes a record in PredictionSchema. loss is nil
// when the record carries no loss.
func PredictionsFromRecord(rec arrow.RecordBatch, yDim int) (*model.Sequence, *float64, error) {
	list, err := listColumn(rec, ColMeanTarget)
	if err != nil {
		return nil, nil, err
	}
	mean, err := sequenceFromList(list, ColMeanTarget, yDim, false)
	if err != nil {
		return nil, nil, err
	}

	idx := rec.Schema().FieldIndices(ColLoss)
	if len(idx) == 0 {
		return mean, nil, nil
	}
	lossCol, ok := rec.Column(idx[0]).(*array.Float64)
	if !ok || lossCol.Len() == 0 || lossCol.IsNull(0) {
		return mean, nil, nil
	}
	loss := lossCol.Value(0)
	return mean, &loss, nil
}
