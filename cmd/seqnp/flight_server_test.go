package main

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-seqnp/internal/client"
	"github.com/23skdu/longbow-seqnp/internal/forecast"
	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

func startFlight(t *testing.T) flight.Client {
	t.Helper()
	cfg := testConfig()
	m, err := model.NewTransformer(cfg)
	require.NoError(t, err)

	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewSeqNPFlightServer(forecast.NewService(m), cfg))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	conn, err := grpc.NewClient(server.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return flight.NewClientFromConn(conn, nil)
}

func TestFlightServer_DoPut(t *testing.T) {
	fc := startFlight(t)
	cfg := testConfig()

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildObservationRecord(demoInputs(cfg, 2, 4, 3))
	require.NoError(t, err)
	defer rec.Release()

	stream, err := fc.DoPut(context.Background())
	require.NoError(t, err)
	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"demo"}})
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	require.NoError(t, stream.CloseSend())

	for i := 0; i < 2; i++ {
		res, err := stream.Recv()
		require.NoError(t, err)

		var md PutMetadata
		require.NoError(t, cbor.Unmarshal(res.AppMetadata, &md))
		assert.Equal(t, int64(2), md.Rows)
		require.NotNil(t, md.Loss)
		assert.Greater(t, *md.Loss, 0.0)
	}
}

func TestFlightServer_DoPutBadRecord(t *testing.T) {
	fc := startFlight(t)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildPredictionRecord(&model.Output{MeanTarget: model.NewSequence(1, 1, 1)})
	require.NoError(t, err)
	defer rec.Release()

	stream, err := fc.DoPut(context.Background())
	require.NoError(t, err)
	writer := flight.NewRecordWriter(stream)
	require.NoError(t, writer.Write(rec))
	_ = writer.Close()
	_ = stream.CloseSend()

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func hugeInputs(cfg hparams.Config) model.Inputs {
	in := demoInputs(cfg, 2, 4, 3)
	for _, seq := range []*model.Sequence{in.ContextX, in.TargetX} {
		for i := range seq.Data {
			seq.Data[i] = 3e38
		}
	}
	return in
}

func doPut(t *testing.T, fc flight.Client, in model.Inputs) error {
	t.Helper()
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildObservationRecord(in)
	require.NoError(t, err)
	defer rec.Release()

	stream, err := fc.DoPut(context.Background())
	require.NoError(t, err)
	writer := flight.NewRecordWriter(stream)
	require.NoError(t, writer.Write(rec))
	_ = writer.Close()
	_ = stream.CloseSend()

	_, err = stream.Recv()
	return err
}

func TestFlightServer_DoPutDivergedLoss(t *testing.T) {
	fc := startFlight(t)
	cfg := testConfig()

	err := doPut(t, fc, hugeInputs(cfg))
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), model.ErrNonFiniteLoss.Error())

	// The server keeps serving after a diverged batch.
	require.NoError(t, doPut(t, fc, demoInputs(cfg, 2, 4, 3)))
}
