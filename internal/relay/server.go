package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	geojson "github.com/paulmach/go.geojson"

	"livetraffic/internal/model"
	"livetraffic/internal/roads"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RoadSet is the geometry served at /map: the drivable subset of a GeoJSON
// road file, plus the count of every road in it.
type RoadSet struct {
	cache *roads.Cache
	total atomic.Int64
}

// NewRoadSet reads roads from path on Load. An empty path serves no roads.
func NewRoadSet(path string) *RoadSet {
	rs := &RoadSet{}
	if path == "" {
		return rs
	}
	rs.cache = roads.NewCache(roads.GeoJSONSource{
		Path: path,
		Keep: func(f *geojson.Feature) bool {
			rs.total.Add(1)
			return roads.Drivable(f)
		},
	}, 0)
	return rs
}

// Load reads the road file. A failure is logged and leaves the map empty.
func (rs *RoadSet) Load(ctx context.Context) {
	if rs.cache == nil {
		return
	}
	segments, _, err := rs.cache.Load(ctx)
	if err != nil {
		log.Printf("failed to load map: %v", err)
		return
	}
	log.Printf("map loaded: %d roads, %d drivable", rs.total.Load(), len(segments))
}

func (rs *RoadSet) segments() []model.RoadSegment {
	if rs.cache == nil {
		return nil
	}
	segments, _, err := rs.cache.Roads()
	if err != nil {
		return nil
	}
	return segments
}

type healthStatus struct {
	Status       string `json:"status"`
	MapLoaded    bool   `json:"map_loaded"`
	TotalRoads   int    `json:"total_roads"`
	VisibleRoads int    `json:"visible_roads"`
}

// NewRouter exposes the health, map and stream endpoints. /map.geojson
// serves the same roads as a FeatureCollection for GIS tools.
func NewRouter(hub *Hub, rs *RoadSet) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withLogging)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		total := 0
		if rs.cache != nil && rs.cache.Status() == roads.Loaded {
			total = int(rs.total.Load())
		}
		writeJSON(w, healthStatus{
			Status:       "ok",
			MapLoaded:    total > 0,
			TotalRoads:   total,
			VisibleRoads: len(rs.segments()),
		})
	})

	r.Get("/map", func(w http.ResponseWriter, r *http.Request) {
		segments := rs.segments()
		if segments == nil {
			segments = []model.RoadSegment{}
		}
		log.Printf("map requested, sending %d road segments", len(segments))
		writeJSON(w, segments)
	})

	r.Get("/map.geojson", func(w http.ResponseWriter, r *http.Request) {
		data, err := roads.ToGeoJSON(rs.segments())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write(data)
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		params, err := parseSubscription(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("ws upgrade error: %v", err)
			return
		}
		log.Printf("ws client connected: lat=%g lon=%g radius_km=%g", params.CenterLat, params.CenterLon, params.RadiusKm)
		hub.Attach(conn, params)
	})

	return r
}

// parseSubscription reads lat, lon and radius_km. All are optional; a
// missing radius means the client wants every vehicle.
func parseSubscription(r *http.Request) (model.SubscriptionParams, error) {
	var p model.SubscriptionParams
	q := r.URL.Query()
	for _, f := range []struct {
		key string
		dst *float64
	}{{"lat", &p.CenterLat}, {"lon", &p.CenterLon}, {"radius_km", &p.RadiusKm}} {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("bad %s: %q", f.key, v)
		}
		*f.dst = n
	}
	if p.CenterLat < -90 || p.CenterLat > 90 || p.CenterLon < -180 || p.CenterLon > 180 || p.RadiusKm < 0 {
		return p, errors.New("subscription out of range")
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h.ServeHTTP(ww, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Microsecond))
	})
}
