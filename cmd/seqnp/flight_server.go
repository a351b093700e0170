package main

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-seqnp/internal/client"
	"github.com/23skdu/longbow-seqnp/internal/forecast"
	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

// PutMetadata is the CBOR app metadata of each PutResult.
type PutMetadata struct {
	Rows int64    `cbor:"rows"`
	Loss *float64 `cbor:"loss,omitempty"`
}

type SeqNPFlightServer struct {
	flight.BaseFlightServer
	predictor Predictor
	cfg       hparams.Config
	alloc     memory.Allocator
}

func NewSeqNPFlightServer(p Predictor, cfg hparams.Config) *SeqNPFlightServer {
	return &SeqNPFlightServer{
		predictor: p,
		cfg:       cfg,
		alloc:     memory.NewGoAllocator(),
	}
}

// DoPut predicts every observation record of the stream and acknowledges each
// one with a PutResult. The first descriptor path element scopes the cache.
func (s *SeqNPFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := stream.Context()
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		ctx = forecast.WithDatasetID(ctx, desc.Path[0])
	}

	for reader.Next() {
		rec := reader.Record()
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut received batch")

		in, err := client.ObservationsFromRecord(rec, s.cfg.XDim, s.cfg.YDim)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		out, err := s.predictor.Predict(ctx, in)
		if err != nil {
			switch {
			case errors.Is(err, model.ErrShapeMismatch):
				return status.Error(codes.InvalidArgument, err.Error())
			case errors.Is(err, model.ErrNonFiniteLoss):
				log.Error().Err(err).Int64("rows", rec.NumRows()).Msg("DoPut batch diverged")
				return status.Error(codes.Internal, err.Error())
			default:
				return status.Error(codes.Internal, err.Error())
			}
		}

		md, err := cbor.Marshal(PutMetadata{Rows: rec.NumRows(), Loss: out.Losses.Loss})
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: md}); err != nil {
			return err
		}
	}
	return reader.Err()
}

// StartFlightServer serves DoPut on addr until the server stops.
func StartFlightServer(addr string, p Predictor, cfg hparams.Config) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewSeqNPFlightServer(p, cfg))

	if err := server.Init(addr); err != nil {
		return fmt.Errorf("init flight server: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Starting seqnp Flight Server")
	if err := server.Serve(); err != nil {
		return fmt.Errorf("flight server: %w", err)
	}
	return nil
}
