package types

import (
	"encoding/json"
	"time"
)

// TamperState is the reported state of a tamper sensor. Sensors may report
// states outside this set; unknown values are stored as-is.
type TamperState string

const (
	TamperOK        TamperState = "OK"
	TamperOpened    TamperState = "OPENED"
	TamperVibration TamperState = "VIBRATION"
	TamperCut       TamperState = "CUT"
)

// RFIDRead is one tag read at a gate antenna.
//
// TsClient is kept as the raw string the sensor sent; it is stored even when
// it cannot be parsed (LatencyMS is nil in that case).
type RFIDRead struct {
	TsClient  string
	TsServer  time.Time
	Tag       string
	Gate      string
	RSSI      *float64
	LatencyMS *int64
}

// ZoneStatus is one occupancy heartbeat from a zone beacon.
type ZoneStatus struct {
	TsClient  string
	TsServer  time.Time
	Zone      string
	Count     *int64
	LatencyMS *int64
}

// TamperEvent is one state change from an enclosure tamper sensor.
type TamperEvent struct {
	TsClient  string
	TsServer  time.Time
	Device    string
	State     TamperState
	LatencyMS *int64
}

// VisionEvent is one detected object from a detection batch. A batch of N
// predictions produces N vision events sharing the same timestamp pair and
// latency.
type VisionEvent struct {
	TsClient   string
	TsServer   time.Time
	Class      string
	Confidence *float64
	X          *float64
	Y          *float64
	Width      *float64
	Height     *float64
	TrackID    *string
	LatencyMS  *int64
}

// Command is one actuator command, logged at publish time. There is no
// delivery confirmation; the row records intent, not execution.
type Command struct {
	TsServer time.Time
	Device   string
	Cmd      string
}

// Prediction is the canonical detection record, regardless of which backend
// produced it. X and Y are the box center.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	TrackID    string  `json:"track_id,omitempty"`
}

// LiveEvent is the transient record pushed to live-stream viewers. It is
// never persisted; ordering is arrival order at the router.
type LiveEvent struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	TsServer  string          `json:"ts_server"`
	LatencyMS *int64          `json:"latency_ms"`
}

// AggregateMetrics is the counts-and-latency summary served by the API.
type AggregateMetrics struct {
	RFIDReads    int64    `json:"rfid_reads"`
	ZoneUpdates  int64    `json:"zone_updates"`
	Tampers      int64    `json:"tampers"`
	Vision       int64    `json:"vision"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
}

// TagLocation is the most recent gate a tag was seen at.
type TagLocation struct {
	Tag      string `json:"tag"`
	Gate     string `json:"gate"`
	LastSeen string `json:"last_seen"`
}
