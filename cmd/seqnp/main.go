package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-seqnp/internal/cache"
	"github.com/23skdu/longbow-seqnp/internal/client"
	"github.com/23skdu/longbow-seqnp/internal/forecast"
	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/23skdu/longbow-seqnp/internal/model"
	"github.com/23skdu/longbow-seqnp/internal/search"
	"github.com/23skdu/longbow-seqnp/internal/weights"
)

var (
	hparamsPath   = flag.String("hparams", "", "Path to a .yaml or .cbor hyperparameter file (defaults when empty)")
	weightsPath   = flag.String("weights", "", "Path to raw binary weights (random init when empty)")
	initWeights   = flag.String("init-weights", "", "Write freshly initialized weights to this path and exit")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "seqnp_forecasts", "Target dataset name on server")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of batch rows predicted at once")
	cacheSize     = flag.Int("cache-size", cache.DefaultCapacity, "Maximum number of cached prediction batches")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	suggestTrials = flag.Int("suggest", 0, "Print N random search-space trials as YAML and exit")
	seed          = flag.Int64("seed", 0, "Seed for weight init and suggest mode (overrides the hparams seed)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()
	if err := run(); err != nil {
		log.Error().Err(err).Msg("seqnp failed")
		os.Exit(1)
	}
}

// run wires the service from flags and blocks until it is done. Every exit
// path returns through here so deferred cleanup runs.
func run() error {
	if err := loadEnvFile(); err != nil {
		log.Warn().Err(err).Msg("Failed to load .env")
	}
	set, err := applyEnv(flag.CommandLine)
	if err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *suggestTrials > 0 {
		if err := runSuggest(os.Stdout, *suggestTrials, *seed); err != nil {
			return fmt.Errorf("suggest: %w", err)
		}
		return nil
	}

	cfg := hparams.DefaultConfig()
	if *hparamsPath != "" {
		cfg, err = hparams.LoadFile(*hparamsPath)
		if err != nil {
			return fmt.Errorf("load hparams: %w", err)
		}
	}
	if set["seed"] {
		cfg.Seed = *seed
	}

	m, err := model.NewTransformer(cfg)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	log.Info().
		Str("backend", m.Backend.Name()).
		Int("x_dim", cfg.XDim).
		Int("y_dim", cfg.YDim).
		Int("hidden", cfg.HiddenOutSize).
		Int("nlayers", cfg.NLayers).
		Int("nhead", cfg.NHead).
		Msg("Model created")

	if *initWeights != "" {
		if err := weights.NewSaver(m).SaveRawBinary(*initWeights); err != nil {
			return fmt.Errorf("write weights: %w", err)
		}
		log.Info().Str("path", *initWeights).Msg("Wrote initialized weights")
		return nil
	}
	if *weightsPath != "" {
		if err := weights.NewLoader(m).LoadFromRawBinary(*weightsPath); err != nil {
			return fmt.Errorf("load weights: %w", err)
		}
	}

	svc := forecast.NewService(m,
		forecast.WithCache(cache.NewMapCache(*cacheSize)),
		forecast.WithMaxConcurrent(*maxConcurrent),
	)

	var fwd *client.Forwarder
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return fmt.Errorf("create flight client: %w", err)
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		fwd = client.NewForwarder(fc, client.NewCircuitBreaker(5, 30*time.Second), *datasetName)
	}

	if *listenAddr != "" || *flightAddr != "" {
		errc := make(chan error, 2)
		if *listenAddr != "" {
			var f Forwarder
			if fwd != nil {
				f = fwd
			}
			srv := NewServer(svc, cfg, f, *maxConcurrent)
			go func() { errc <- fmt.Errorf("http server: %w", srv.ListenAndServe(*listenAddr)) }()
		}
		if *flightAddr != "" {
			go func() { errc <- StartFlightServer(*flightAddr, svc, cfg) }()
		}
		return <-errc
	}

	return runDemo(svc, cfg, fwd)
}

// runDemo predicts one synthetic batch and either forwards the predictions to
// Longbow or writes them to stdout as an Arrow IPC stream.
func runDemo(svc *forecast.Service, cfg hparams.Config, fwd *client.Forwarder) error {
	in := demoInputs(cfg, 4, 16, 8)

	start := time.Now()
	out, err := svc.Predict(context.Background(), in)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	elapsed := time.Since(start)

	ev := log.Info().
		Int("batch", out.MeanTarget.Batch).
		Int("steps", out.MeanTarget.Len).
		Dur("elapsed", elapsed)
	if out.Losses.Loss != nil {
		ev = ev.Float64("loss", *out.Losses.Loss)
	}
	ev.Msg("Predicted batch")

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildPredictionRecord(out)
	if err != nil {
		return fmt.Errorf("build prediction record: %w", err)
	}
	defer rec.Release()

	if fwd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, rec); err != nil {
			return fmt.Errorf("flight DoPut: %w", err)
		}
		log.Info().Msg("Successfully sent predictions to Longbow")
		return nil
	}
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
	return nil
}

// demoInputs builds a batch of phase-shifted sine waves with observed target y.
func demoInputs(cfg hparams.Config, batch, contextLen, targetLen int) model.Inputs {
	total := contextLen + targetLen
	xs := model.NewSequence(batch, total, cfg.XDim)
	ys := model.NewSequence(batch, total, cfg.YDim)
	for b := 0; b < batch; b++ {
		phase := float64(b) * 0.5
		for t := 0; t < total; t++ {
			pos := float64(t) / float64(total)
			for d := 0; d < cfg.XDim; d++ {
				xs.Set(b, t, d, float32(pos+float64(d)))
			}
			for d := 0; d < cfg.YDim; d++ {
				ys.Set(b, t, d, float32(math.Sin(2*math.Pi*pos+phase+float64(d))))
			}
		}
	}
	cx, tx := xs.SplitLen(contextLen)
	cy, ty := ys.SplitLen(contextLen)
	return model.Inputs{ContextX: cx, ContextY: cy, TargetX: tx, TargetY: ty}
}

// runSuggest samples n trials from the search space and prints each merged
// parameter set as a YAML document. Trials that do not form a valid model
// config are reported and skipped.
func runSuggest(w io.Writer, n int, seed int64) error {
	for i := 0; i < n; i++ {
		trial := search.NewRandomTrial(rand.New(rand.NewSource(seed + int64(i))))
		if err := search.AddSuggest(trial, nil); err != nil {
			return err
		}
		cfg, err := search.Config(trial)
		if err != nil {
			log.Warn().Err(err).Int("trial", i).Msg("Skipping invalid trial")
			continue
		}
		out, err := hparams.MarshalYAML(cfg.Map())
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "---\n%s", out); err != nil {
			return err
		}
	}
	return nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("seqnp"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
