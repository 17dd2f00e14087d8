package processing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/censys/scan-resolver/pkg/resolution"
)

// FinishTime accepts either epoch seconds (UTC) or an RFC 3339 string.
type FinishTime struct {
	time.Time
}

func (f *FinishTime) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		f.Time = time.Time{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse finish_time: %w", err)
		}
		f.Time = t.UTC()
		return nil
	}
	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("parse finish_time: %w", err)
	}
	f.Time = EpochToUTC(secs)
	return nil
}

// EpochToUTC converts seconds since the Unix epoch to a UTC time.
func EpochToUTC(secs int64) time.Time {
	return time.Unix(secs, 0).UTC()
}

// ObservationMessage is the JSON payload announcing a finished scan.
type ObservationMessage struct {
	ProjectID   int        `json:"project_id"`
	ScanType    string     `json:"scan_type"`
	ScanProduct string     `json:"scan_product"`
	ScanID      string     `json:"scan_id"`
	FinishTime  FinishTime `json:"finish_time"`
}

// ParseObservationMessage unmarshals the JSON payload into an ObservationMessage.
func ParseObservationMessage(raw []byte) (ObservationMessage, error) {
	var msg ObservationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ObservationMessage{}, fmt.Errorf("unmarshal observation: %w", err)
	}
	if msg.FinishTime.IsZero() {
		return ObservationMessage{}, errors.New("missing finish_time field")
	}
	return msg, nil
}

// Observation converts the message into the resolver's input type.
func (m ObservationMessage) Observation() resolution.Observation {
	return resolution.Observation{
		ProjectID:   m.ProjectID,
		ScanType:    m.ScanType,
		ScanProduct: m.ScanProduct,
		ScanID:      m.ScanID,
		FinishTime:  m.FinishTime.Time,
	}
}
