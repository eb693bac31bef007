package normalize

import (
	"fmt"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"livetraffic/internal/model"
)

// DecodeGTFS parses a binary frame carrying a GTFS-RT FeedMessage. Every
// vehicle position becomes one record, so the result is an array shape.
func DecodeGTFS(data []byte) (Result, error) {
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(data, &feed); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	vehicles, skipped := FromFeedMessage(&feed)
	return Result{Shape: ArrayOfEntities, Vehicles: vehicles, Skipped: skipped}, nil
}

// FromFeedMessage extracts vehicle positions from a GTFS-RT feed. Entities
// without a vehicle id or a position are skipped and counted.
func FromFeedMessage(feed *gtfs.FeedMessage) ([]model.VehicleState, int) {
	vehicles := make([]model.VehicleState, 0, len(feed.GetEntity()))
	skipped := 0
	for _, ent := range feed.GetEntity() {
		vp := ent.GetVehicle()
		if vp == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		pos := vp.GetPosition()
		if id == "" || pos == nil || pos.Latitude == nil || pos.Longitude == nil {
			skipped++
			continue
		}
		vehicles = append(vehicles, model.VehicleState{
			ID:    id,
			Lat:   float64(pos.GetLatitude()),
			Lon:   float64(pos.GetLongitude()),
			Speed: float64(pos.GetSpeed()),
		})
	}
	return vehicles, skipped
}

// EncodeGTFS builds a GTFS-RT FeedMessage holding the given vehicles.
func EncodeGTFS(vehicles []model.VehicleState, timestamp uint64) ([]byte, error) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(timestamp),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(vehicles)),
	}
	for _, v := range vehicles {
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id: proto.String(v.ID),
			Vehicle: &gtfs.VehiclePosition{
				Vehicle: &gtfs.VehicleDescriptor{Id: proto.String(v.ID)},
				Position: &gtfs.Position{
					Latitude:  proto.Float32(float32(v.Lat)),
					Longitude: proto.Float32(float32(v.Lon)),
					Speed:     proto.Float32(float32(v.Speed)),
				},
			},
		})
	}
	return proto.Marshal(feed)
}
