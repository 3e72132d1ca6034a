package telemetry

import (
	"encoding/json"
	"time"
)

// SendTimeLayout is the human-readable timestamp format of send_time.
const SendTimeLayout = "2006-01-02 15:04:05"

// Sample is one sensor reading as published to the telemetry topic.
type Sample struct {
	SendTime    string  `json:"send_time"`
	TS          int64   `json:"ts"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// NewSample stamps a reading taken at now. ts is UTC milliseconds;
// send_time is rendered in zone.
func NewSample(now time.Time, zone *time.Location, temperature, humidity float64) Sample {
	return Sample{
		SendTime:    now.In(zone).Format(SendTimeLayout),
		TS:          now.UnixMilli(),
		Temperature: temperature,
		Humidity:    humidity,
	}
}

type firmwareState struct {
	State string `json:"fw_state"`
}

type firmwareVersion struct {
	Version string `json:"fw_version"`
}

// FirmwareState encodes {"fw_state": state}.
func FirmwareState(state string) []byte {
	b, _ := json.Marshal(firmwareState{State: state})
	return b
}

// FirmwareVersion encodes {"fw_version": version}.
func FirmwareVersion(version string) []byte {
	b, _ := json.Marshal(firmwareVersion{Version: version})
	return b
}
