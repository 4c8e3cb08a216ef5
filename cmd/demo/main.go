// Command demo runs a small task through the engine end to end: execute with
// live boundaries, inspect the captured execution record, then replay the
// record with the recorded boundary pinned to prove the real dependency is
// not consulted again.
//
// An optional demo.yaml next to the binary configures exports:
//
//	sink_endpoint: https://collector.example.com/records
//	redis_addr: localhost:6379
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/retrace/features/recordstore/inmem"
	pulsefeature "goa.design/retrace/features/stream/pulse"
	pulseclient "goa.design/retrace/features/stream/pulse/clients/pulse"
	"goa.design/retrace/runtime/task"
	"goa.design/retrace/runtime/task/boundary"
	"goa.design/retrace/runtime/task/hooks"
	"goa.design/retrace/runtime/task/record"
	"goa.design/retrace/runtime/task/telemetry"
	"goa.design/retrace/schema"
	sinkhttp "goa.design/retrace/sink/http"
)

type config struct {
	// SinkEndpoint is the HTTP record collector URL. Empty keeps the sink
	// silent.
	SinkEndpoint string `yaml:"sink_endpoint"`
	// RedisAddr enables publishing records to a Pulse stream when set.
	RedisAddr string `yaml:"redis_addr"`
}

const inputSchema = `{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1}
	},
	"required": ["symbol"]
}`

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	cfg := loadConfig(ctx)
	registry := hooks.NewRegistry(hooks.WithLogger(telemetry.NewClueLogger()))

	store := inmem.New()
	registry.Listen(store.Listener())
	if cfg.RedisAddr != "" {
		attachPulse(ctx, registry, store, cfg.RedisAddr)
	}

	// The "real" dependency. During replay it is mutated to prove pinned
	// boundaries never reach it.
	price := 150.23
	fetchPrice := func(ctx context.Context, args ...any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("fetchPrice expects a symbol")
		}
		return price, nil
	}

	quote := task.New("quote.fetch",
		func(ctx context.Context, input any, b *task.Boundaries) (any, error) {
			symbol := input.(map[string]any)["symbol"]
			b.SetMetadata("source", "demo")
			if err := b.SetMetric(record.Metric{Type: "count", Name: "lookups", Value: 1}); err != nil {
				return nil, err
			}
			return b.Call(ctx, "fetchPrice", symbol)
		},
		task.WithDescription("fetch the latest quote for a symbol"),
		task.WithValidator(schema.MustJSON([]byte(inputSchema))),
		task.WithBoundary("fetchPrice", fetchPrice),
		task.WithRegistry(registry),
		task.WithLogger(telemetry.NewClueLogger()),
		task.WithTracer(telemetry.NewOtelTracer()),
		task.WithMetrics(telemetry.NewOtelMetrics()),
	)

	out, rec, err := quote.SafeRun(ctx, map[string]any{"symbol": "AAPL"})
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Infof(ctx, "live run: output=%v type=%s calls=%d", out, rec.Type, len(rec.Boundaries["fetchPrice"]))

	if cfg.SinkEndpoint != "" {
		client := sinkhttp.New(cfg.SinkEndpoint,
			sinkhttp.WithRateLimit(10, 5),
			sinkhttp.WithLogger(telemetry.NewClueLogger()),
		)
		status, err := client.Send(ctx, rec)
		if err != nil {
			log.Errorf(ctx, err, "ship record")
		} else {
			log.Infof(ctx, "shipped record %s: %s", rec.ID, status)
		}
	}

	// Replay: pin fetchPrice to the recording, change the live value, and
	// observe the original output come back.
	price = 999.99
	replayOut, replayRec, err := quote.SafeReplay(ctx, rec, task.ReplayConfig{
		Boundaries: map[string]boundary.Mode{"fetchPrice": boundary.ModeReplay},
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Infof(ctx, "replay: output=%v type=%s (live value was %v)", replayOut, replayRec.Type, price)

	registry.Flush()
	log.Infof(ctx, "records captured: %d", store.Len())

	pretty, _ := json.MarshalIndent(rec, "", "  ")
	log.Infof(ctx, "execution record:\n%s", pretty)
}

func loadConfig(ctx context.Context) config {
	var cfg config
	data, err := os.ReadFile("demo.yaml")
	if err != nil {
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Errorf(ctx, err, "parse demo.yaml")
	}
	return cfg
}

func attachPulse(ctx context.Context, registry *hooks.Registry, store *inmem.Store, addr string) {
	client, err := pulseclient.New(pulseclient.Options{
		Redis: goredis.NewClient(&goredis.Options{Addr: addr}),
	})
	if err != nil {
		log.Errorf(ctx, err, "pulse client")
		return
	}
	streamSink, err := pulsefeature.NewSink(pulsefeature.Options{Client: client})
	if err != nil {
		log.Errorf(ctx, err, "pulse sink")
		return
	}
	storeListener := store.Listener()
	streamListener := streamSink.Listener()
	registry.Listen(func(ctx context.Context, rec *record.Record) error {
		if err := storeListener(ctx, rec); err != nil {
			return err
		}
		return streamListener(ctx, rec)
	})
}
