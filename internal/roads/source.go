package roads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"livetraffic/internal/model"
)

// Source produces the full road set.
type Source interface {
	Fetch(ctx context.Context) ([]model.RoadSegment, error)
}

// HTTPSource reads the JSON array served at GET /map.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]model.RoadSegment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("map http status: %d", resp.StatusCode)
	}
	var segments []model.RoadSegment
	if err := json.NewDecoder(resp.Body).Decode(&segments); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return segments, nil
}

// drivable lists the OSM highway classes kept for rendering.
var drivable = map[string]bool{
	"motorway":      true,
	"trunk":         true,
	"primary":       true,
	"secondary":     true,
	"tertiary":      true,
	"residential":   true,
	"service":       true,
	"living_street": true,
}

// Drivable keeps features whose "highway" property is a road open to
// regular traffic.
func Drivable(f *geojson.Feature) bool {
	hw, err := f.PropertyString("highway")
	return err == nil && drivable[hw]
}

// GeoJSONSource reads LineString and MultiLineString features from a file.
// Keep, when set, filters features before conversion.
type GeoJSONSource struct {
	Path string
	Keep func(*geojson.Feature) bool
}

func (s GeoJSONSource) Fetch(ctx context.Context) ([]model.RoadSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	return ParseGeoJSON(data, s.Keep)
}

// ParseGeoJSON converts a FeatureCollection into road segments. Each line of
// a MultiLineString becomes its own segment sharing the feature id. GeoJSON
// positions are already [lon, lat], matching the /map wire order.
func ParseGeoJSON(data []byte, keep func(*geojson.Feature) bool) ([]model.RoadSegment, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	segments := make([]model.RoadSegment, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if keep != nil && !keep(f) {
			continue
		}
		id := featureID(f, int64(i))
		switch f.Geometry.Type {
		case geojson.GeometryLineString:
			segments = append(segments, model.RoadSegment{ID: id, Geometry: points(f.Geometry.LineString)})
		case geojson.GeometryMultiLineString:
			for _, line := range f.Geometry.MultiLineString {
				segments = append(segments, model.RoadSegment{ID: id, Geometry: points(line)})
			}
		}
	}
	return segments, nil
}

// ToGeoJSON is the inverse of ParseGeoJSON for a plain segment list.
func ToGeoJSON(segments []model.RoadSegment) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, s := range segments {
		coords := make([][]float64, len(s.Geometry))
		for i, p := range s.Geometry {
			coords[i] = []float64{p.X(), p.Y()}
		}
		f := geojson.NewLineStringFeature(coords)
		f.ID = s.ID
		fc.AddFeature(f)
	}
	return fc.MarshalJSON()
}

func featureID(f *geojson.Feature, fallback int64) int64 {
	if id, ok := asInt(f.ID); ok {
		return id
	}
	if id, ok := asInt(f.Properties["id"]); ok {
		return id
	}
	return fallback
}

func asInt(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func points(coords [][]float64) []model.Point {
	out := make([]model.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		out = append(out, model.Point{c[0], c[1]})
	}
	return out
}
