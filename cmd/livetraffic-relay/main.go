// Command livetraffic-relay serves /map, /ws and /api/health from a polled
// GTFS-RT or SIRI vehicle feed, so the livetraffic client can run against
// real transit data.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"livetraffic/internal/config"
	"livetraffic/internal/logging"
	"livetraffic/internal/relay"
)

var (
	configPath      = flag.String("config", "", "YAML config file")
	listen          = flag.String("listen", "", "HTTP listen address (overrides relay.listen)")
	shutdownTimeout = flag.Duration("shutdown_timeout", 0, "HTTP server shutdown timeout")
	gtfsrtURL       = flag.String("gtfsrt_url", "", "GTFS-RT vehicle positions URL (protobuf)")
	siriXMLURL      = flag.String("siri_xml_url", "", "SIRI VehicleMonitoring XML URL")
	siriJSONURL     = flag.String("siri_json_url", "", "SIRI VehicleMonitoring JSON URL")
	refresh         = flag.Duration("refresh", 0, "Minimum feed refresh interval")
	roadsGeoJSON    = flag.String("roads_geojson", "", "GeoJSON road file served at /map")
	frameShape      = flag.String("frame_shape", "", "Frame shape: array, wrapped or single")
	frameEncoding   = flag.String("frame_encoding", "", "Frame encoding: json or gtfs-rt")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyFlags(&cfg.Relay)
	if err := cfg.ValidateRelay(); err != nil {
		log.Fatalf("config: %v", err)
	}
	closer := logging.Setup(cfg.Log)
	defer closer.Close()

	feed, err := relay.NewFeed(cfg.Relay)
	if err != nil {
		log.Fatalf("feed: %v", err)
	}
	hub := relay.NewHub(relay.Encoder{Shape: cfg.Relay.FrameShape, Encoding: cfg.Relay.FrameEncoding})
	poll := relay.NewPoller(feed, cfg.Relay.Refresh, cfg.Relay.FetchTimeout, hub.Broadcast)
	hub.ReplayFrom(poll.Last)
	roadSet := relay.NewRoadSet(cfg.Relay.RoadsGeoJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roadSet.Load(ctx)

	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           relay.NewRouter(hub, roadSet),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("relay listening on %s (frames: %s/%s)", cfg.Relay.Listen, cfg.Relay.FrameEncoding, cfg.Relay.FrameShape)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	go poll.Run(ctx)

	<-ctx.Done()
	log.Printf("shutdown initiated...")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Printf("HTTP server shut down successfully")
	}
}

// applyFlags overrides config values with flags given on the command line.
func applyFlags(rc *config.RelayConfig) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	str := func(name string, src *string, dst *string) {
		if set[name] {
			*dst = *src
		}
	}
	str("listen", listen, &rc.Listen)
	str("roads_geojson", roadsGeoJSON, &rc.RoadsGeoJSON)
	str("frame_shape", frameShape, &rc.FrameShape)
	str("frame_encoding", frameEncoding, &rc.FrameEncoding)
	if set["gtfsrt_url"] || set["siri_xml_url"] || set["siri_json_url"] {
		rc.GtfsRtURL, rc.SiriXMLURL, rc.SiriJSONURL = *gtfsrtURL, *siriXMLURL, *siriJSONURL
	}
	if set["refresh"] {
		rc.Refresh = *refresh
	}
	if set["shutdown_timeout"] {
		rc.ShutdownTimeout = *shutdownTimeout
	}
	if rc.FetchTimeout <= 0 {
		rc.FetchTimeout = 10 * time.Second
	}
}
