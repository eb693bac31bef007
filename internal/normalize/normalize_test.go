package normalize

import (
	"errors"
	"reflect"
	"testing"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"livetraffic/internal/model"
)

func TestDecodeShapes(t *testing.T) {
	a := model.VehicleState{ID: "a", Lat: 1, Lon: 2, Speed: 3}
	tests := []struct {
		name  string
		frame string
		shape Shape
		want  []model.VehicleState
	}{
		{"array", `[{"id":"a","lat":1,"lon":2,"speed":3}]`, ArrayOfEntities, []model.VehicleState{a}},
		{"wrapped", `{"vehicles":[{"id":"a","lat":1,"lon":2,"speed":3}]}`, WrappedEntities, []model.VehicleState{a}},
		{"single", `{"id":"b","lat":5,"lon":6,"speed":0}`, SingleEntity, []model.VehicleState{{ID: "b", Lat: 5, Lon: 6}}},
		{"empty array", `[]`, ArrayOfEntities, []model.VehicleState{}},
		{"aliases", `[{"vehicle_id":"car_42","latitude":52.5,"longitude":13.4,"speed":11.5}]`, ArrayOfEntities,
			[]model.VehicleState{{ID: "car_42", Lat: 52.5, Lon: 13.4, Speed: 11.5}}},
		{"numeric id and string coords", `{"id":7,"lat":"52.1","lon":"13.2"}`, SingleEntity,
			[]model.VehicleState{{ID: "7", Lat: 52.1, Lon: 13.2}}},
		{"large integer ids stay distinct", `[{"id":9007199254740993,"lat":1},{"id":9007199254740992,"lat":2},{"id":12345678901234567890,"lat":3}]`,
			ArrayOfEntities, []model.VehicleState{
				{ID: "9007199254740993", Lat: 1},
				{ID: "9007199254740992", Lat: 2},
				{ID: "12345678901234567890", Lat: 3},
			}},
		{"vehicles takes priority over id", `{"id":"x","vehicles":[{"id":"a","lat":1,"lon":2,"speed":3}]}`, WrappedEntities,
			[]model.VehicleState{a}},
		{"vehicles not a list falls back to id", `{"id":"b","vehicles":"none","lat":5,"lon":6}`, SingleEntity,
			[]model.VehicleState{{ID: "b", Lat: 5, Lon: 6}}},
		{"unknown object", `{"type":"heartbeat"}`, Unrecognized, nil},
		{"bare string", `"not json or unknown shape"`, Unrecognized, nil},
		{"number", `42`, Unrecognized, nil},
		{"null", `null`, Unrecognized, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Decode([]byte(tc.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Shape != tc.shape {
				t.Fatalf("shape = %v, want %v", res.Shape, tc.shape)
			}
			if !reflect.DeepEqual(res.Vehicles, tc.want) {
				t.Fatalf("vehicles = %+v, want %+v", res.Vehicles, tc.want)
			}
		})
	}
}

func TestArrayAndWrappedAgree(t *testing.T) {
	arr, err := Decode([]byte(`[{"id":"a","lat":1,"lon":2,"speed":3}]`))
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := Decode([]byte(`{"vehicles":[{"id":"a","lat":1,"lon":2,"speed":3}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(arr.Vehicles, wrapped.Vehicles) {
		t.Fatalf("array %+v != wrapped %+v", arr.Vehicles, wrapped.Vehicles)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{`not json or unknown shape`, `{"id":`, ``, `[{"id":"a"}`, `{"id":"a"} {"id":"b"}`} {
		res, err := Decode([]byte(frame))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformed", frame, err)
		}
		if len(res.Vehicles) != 0 {
			t.Fatalf("Decode(%q) returned vehicles %+v", frame, res.Vehicles)
		}
	}
}

func TestElementsWithoutIDAreSkipped(t *testing.T) {
	res, err := Decode([]byte(`[{"id":"a","lat":1},{"lat":2},"junk",{"id":""}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Vehicles) != 1 || res.Vehicles[0].ID != "a" {
		t.Fatalf("vehicles = %+v", res.Vehicles)
	}
	if res.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3", res.Skipped)
	}
}

func TestGTFSRoundTrip(t *testing.T) {
	in := []model.VehicleState{
		{ID: "bus-1", Lat: 52.5, Lon: 13.25, Speed: 8},
		{ID: "bus-2", Lat: 52.75, Lon: 13.5, Speed: 0},
	}
	data, err := EncodeGTFS(in, 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	res, err := DecodeGTFS(data)
	if err != nil {
		t.Fatal(err)
	}
	if res.Shape != ArrayOfEntities {
		t.Fatalf("shape = %v", res.Shape)
	}
	if !reflect.DeepEqual(res.Vehicles, in) {
		t.Fatalf("vehicles = %+v, want %+v", res.Vehicles, in)
	}
}

func TestGTFSSkipsEntitiesWithoutPosition(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			{Id: proto.String("e1"), Vehicle: &gtfs.VehiclePosition{Vehicle: &gtfs.VehicleDescriptor{Id: proto.String("v1")}}},
			{Id: proto.String("e2")},
			{Id: proto.String("e3"), Vehicle: &gtfs.VehiclePosition{
				Vehicle:  &gtfs.VehicleDescriptor{Id: proto.String("v3")},
				Position: &gtfs.Position{Latitude: proto.Float32(1), Longitude: proto.Float32(2)},
			}},
		},
	}
	vehicles, skipped := FromFeedMessage(feed)
	if len(vehicles) != 1 || vehicles[0].ID != "v3" {
		t.Fatalf("vehicles = %+v", vehicles)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
}

func TestDecodeGTFSMalformed(t *testing.T) {
	if _, err := DecodeGTFS([]byte{0xff, 0xff, 0xff}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
