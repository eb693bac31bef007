// Command livetraffic connects to a traffic API, keeps the live vehicle table
// and emits snapshots at the render cadence: as log summaries, or as NDJSON
// on stdout for a renderer to consume.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livetraffic/internal/config"
	"livetraffic/internal/engine"
	"livetraffic/internal/logging"
	"livetraffic/internal/model"
	"livetraffic/internal/roads"
)

var (
	configPath    = flag.String("config", "", "YAML config file")
	serverURL     = flag.String("server", "", "Traffic API base URL (overrides server.base_url)")
	centerLat     = flag.Float64("lat", 0, "Viewport center latitude")
	centerLon     = flag.Float64("lon", 0, "Viewport center longitude")
	radiusKm      = flag.Float64("radius_km", 0, "Viewport radius in km; 0 subscribes to everything")
	ndjson        = flag.Bool("ndjson", false, "Write every snapshot to stdout as one JSON line")
	statsInterval = flag.Duration("stats_interval", 10*time.Second, "How often to log engine counters")
	logLevel      = flag.String("log_level", "", "Log level: debug or info")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	closer := logging.Setup(cfg.Log)
	defer closer.Close()

	eng, err := engine.New(cfg, engine.Options{})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := make(chan model.Snapshot, 64)
	eng.Subscribe(func(s model.Snapshot) {
		select {
		case out <- s:
		default:
			logging.Debugf("output behind, skipping snapshot %d", s.Seq)
		}
	})

	log.Printf("connecting to %s (tick %v)", cfg.StreamURL(), cfg.Scheduler.Interval)
	stopEngine := eng.Start(ctx)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		emit(ctx, out, *ndjson)
	}()

	report(ctx, eng, *statsInterval)

	log.Printf("shutdown initiated...")
	stopEngine()
	<-emitted
	log.Printf("stopped")
}

func applyFlags(cfg *config.Config) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["server"] {
		cfg.Server.BaseURL = *serverURL
	}
	if set["lat"] {
		cfg.Viewport.CenterLat = *centerLat
	}
	if set["lon"] {
		cfg.Viewport.CenterLon = *centerLon
	}
	if set["radius_km"] {
		cfg.Viewport.RadiusKm = *radiusKm
	}
	if set["log_level"] {
		cfg.Log.Level = *logLevel
	}
}

// emit writes snapshots until ctx is done. Without NDJSON it logs a one-line
// summary at most once per second.
func emit(ctx context.Context, in <-chan model.Snapshot, asJSON bool) {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	enc := json.NewEncoder(w)
	var lastLog time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-in:
			if asJSON {
				if err := enc.Encode(s); err != nil {
					log.Printf("write snapshot: %v", err)
					return
				}
				w.Flush()
				continue
			}
			if s.At.Sub(lastLog) >= time.Second {
				log.Printf("snapshot %d: %d vehicles", s.Seq, len(s.Vehicles))
				lastLog = s.At
			}
		}
	}
}

// report logs engine counters every interval and the road set once it
// settles, until ctx is done.
func report(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			switch eng.Stats().Roads {
			case roads.Loaded:
				segments, st, _ := eng.Roads()
				log.Printf("roads: %d segments (source %d, truncated %v)", len(segments), st.Total, st.Truncated)
			case roads.Failed:
				_, _, err := eng.Roads()
				log.Printf("roads unavailable: %v", err)
			default:
				continue
			}
			poll.Stop()
		case <-t.C:
			st := eng.Stats()
			log.Printf("stream %s, dropouts %d, vehicles %d, frames %d (malformed %d, unrecognized %d), snapshots %d",
				st.Stream, st.Dropouts, st.Vehicles, st.FramesReceived, st.FramesMalformed, st.FramesUnrecognized, st.SnapshotsPublished)
		}
	}
}
