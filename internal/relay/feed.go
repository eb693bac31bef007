// Package relay serves the traffic API surfaces (/map, /ws, /api/health) from
// a polled transit vehicle feed, for running the client against real data.
package relay

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"livetraffic/internal/config"
	"livetraffic/internal/model"
	"livetraffic/internal/normalize"
)

// Feed fetches the current vehicle positions from an upstream source.
type Feed interface {
	Fetch(ctx context.Context) ([]model.VehicleState, error)
}

// NewFeed picks the feed named in cfg. Exactly one URL must be set.
func NewFeed(cfg config.RelayConfig) (Feed, error) {
	switch {
	case cfg.GtfsRtURL != "":
		return NewGTFSFeed(cfg.GtfsRtURL, cfg.FetchTimeout), nil
	case cfg.SiriXMLURL != "":
		return NewSiriXMLFeed(cfg.SiriXMLURL, cfg.FetchTimeout), nil
	case cfg.SiriJSONURL != "":
		return NewSiriJSONFeed(cfg.SiriJSONURL, cfg.FetchTimeout), nil
	}
	return nil, fmt.Errorf("%w: no feed url", config.ErrInvalid)
}

type httpFeed struct {
	name       string
	url        string
	httpClient *http.Client
}

func (f httpFeed) get(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s http status: %d", f.name, resp.StatusCode)
	}
	return resp.Body, nil
}

// GTFSFeed reads GTFS-Realtime vehicle positions.
type GTFSFeed struct{ httpFeed }

func NewGTFSFeed(url string, timeout time.Duration) *GTFSFeed {
	return &GTFSFeed{httpFeed{name: "gtfs-rt", url: url, httpClient: &http.Client{Timeout: timeout}}}
}

func (f *GTFSFeed) Fetch(ctx context.Context) ([]model.VehicleState, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("decode gtfs-rt: %w", err)
	}
	vehicles, _ := normalize.FromFeedMessage(&feed)
	return vehicles, nil
}

// SiriJSONFeed reads SIRI VehicleMonitoring in its JSON rendering, with or
// without the top-level "Siri" wrapper.
type SiriJSONFeed struct{ httpFeed }

func NewSiriJSONFeed(url string, timeout time.Duration) *SiriJSONFeed {
	return &SiriJSONFeed{httpFeed{name: "siri json", url: url, httpClient: &http.Client{Timeout: timeout}}}
}

type siriJSONDelivery struct {
	ServiceDelivery struct {
		VehicleMonitoringDelivery []struct {
			VehicleActivity []struct {
				MonitoredVehicleJourney struct {
					VehicleRef              siriString `json:"VehicleRef"`
					FramedVehicleJourneyRef struct {
						DatedVehicleJourneyRef siriString `json:"DatedVehicleJourneyRef"`
					} `json:"FramedVehicleJourneyRef"`
					VehicleLocation struct {
						Latitude  siriFloat `json:"Latitude"`
						Longitude siriFloat `json:"Longitude"`
					} `json:"VehicleLocation"`
					Velocity siriFloat `json:"Velocity"`
				} `json:"MonitoredVehicleJourney"`
			} `json:"VehicleActivity"`
		} `json:"VehicleMonitoringDelivery"`
	} `json:"ServiceDelivery"`
}

func (f *SiriJSONFeed) Fetch(ctx context.Context) ([]model.VehicleState, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return parseSiriJSON(data)
}

func parseSiriJSON(data []byte) ([]model.VehicleState, error) {
	var wrapped struct {
		Siri *siriJSONDelivery `json:"Siri"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode siri json: %w", err)
	}
	root := wrapped.Siri
	if root == nil {
		root = &siriJSONDelivery{}
		if err := json.Unmarshal(data, root); err != nil {
			return nil, fmt.Errorf("decode siri json: %w", err)
		}
	}
	vehicles := make([]model.VehicleState, 0, 256)
	for _, vmd := range root.ServiceDelivery.VehicleMonitoringDelivery {
		for _, va := range vmd.VehicleActivity {
			mvj := va.MonitoredVehicleJourney
			id := string(mvj.VehicleRef)
			if id == "" {
				id = string(mvj.FramedVehicleJourneyRef.DatedVehicleJourneyRef)
			}
			lat, lon := float64(mvj.VehicleLocation.Latitude), float64(mvj.VehicleLocation.Longitude)
			if id == "" || (lat == 0 && lon == 0) {
				continue
			}
			vehicles = append(vehicles, model.VehicleState{ID: id, Lat: lat, Lon: lon, Speed: float64(mvj.Velocity)})
		}
	}
	return vehicles, nil
}

// siriString accepts a bare string or the {"value": "..."} object some
// producers emit for references.
type siriString string

func (s *siriString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = siriString(str)
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil
	}
	*s = siriString(obj.Value)
	return nil
}

// siriFloat accepts numbers and numeric strings. Anything else reads as 0.
type siriFloat float64

func (f *siriFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = siriFloat(v)
	return nil
}

// SiriXMLFeed reads SIRI VehicleMonitoring XML. Element matching ignores
// namespaces.
type SiriXMLFeed struct{ httpFeed }

func NewSiriXMLFeed(url string, timeout time.Duration) *SiriXMLFeed {
	return &SiriXMLFeed{httpFeed{name: "siri xml", url: url, httpClient: &http.Client{Timeout: timeout}}}
}

type siriXMLActivity struct {
	VehicleRef string `xml:"MonitoredVehicleJourney>VehicleRef"`
	Latitude   string `xml:"MonitoredVehicleJourney>VehicleLocation>Latitude"`
	Longitude  string `xml:"MonitoredVehicleJourney>VehicleLocation>Longitude"`
	Velocity   string `xml:"MonitoredVehicleJourney>Velocity"`
}

func (f *SiriXMLFeed) Fetch(ctx context.Context) ([]model.VehicleState, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return parseSiriXML(body)
}

// parseSiriXML streams the document and decodes each VehicleActivity on its
// own, so a large delivery is never held as one tree.
func parseSiriXML(r io.Reader) ([]model.VehicleState, error) {
	dec := xml.NewDecoder(r)
	var vehicles []model.VehicleState
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode siri xml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "VehicleActivity" {
			continue
		}
		var va siriXMLActivity
		if err := dec.DecodeElement(&va, &se); err != nil {
			return nil, fmt.Errorf("decode siri xml: %w", err)
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(va.Latitude), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(va.Longitude), 64)
		id := strings.TrimSpace(va.VehicleRef)
		if id == "" || err1 != nil || err2 != nil {
			continue
		}
		speed, _ := strconv.ParseFloat(strings.TrimSpace(va.Velocity), 64)
		vehicles = append(vehicles, model.VehicleState{ID: id, Lat: lat, Lon: lon, Speed: speed})
	}
	return vehicles, nil
}
