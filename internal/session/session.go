// Package session talks to the livestream backend to create, fetch and end
// sessions and to drive room recordings.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status is the backend lifecycle of a session.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusLive      Status = "LIVE"
	StatusCompleted Status = "COMPLETED"
)

// Session is one scheduled or live streaming encounter. The client never
// mutates it; it is refreshed from the backend.
type Session struct {
	ID            int64      `json:"id"`
	SkillID       int64      `json:"skillId"`
	ProducerID    int64      `json:"producerId"`
	ReceiverIDs   []int64    `json:"receiverIds"`
	RoomName      string     `json:"roomName"`
	Status        Status     `json:"status"`
	StartTime     Timestamp  `json:"startTime"`
	EndTime       *Timestamp `json:"endTime,omitempty"`
	ProducerToken string     `json:"producerToken"`
	RecordingPath string     `json:"recordingPath,omitempty"`
}

// IsLive reports whether the producer is currently streaming.
func (s *Session) IsLive() bool { return s.Status == StatusLive }

func (s *Session) clone() *Session {
	c := *s
	c.ReceiverIDs = slices.Clone(s.ReceiverIDs)
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return &c
}

// validate rejects structurally incomplete sessions.
func (s *Session) validate() error {
	switch {
	case s.ID <= 0:
		return fmt.Errorf("session id missing")
	case s.RoomName == "":
		return fmt.Errorf("session %d has no room name", s.ID)
	case s.ProducerToken == "":
		return fmt.Errorf("session %d has no producer token", s.ID)
	}
	return nil
}

// Timestamp accepts RFC 3339, the zone-less local date-times the backend
// emits (2006-01-02T15:04:05 with optional fraction) and the same value as
// a component array [year, month, day, hour, minute, second, nanos], where
// everything after day is optional.
type Timestamp struct {
	time.Time
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		return t.unmarshalComponents(b)
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range localLayouts {
		if v, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp: unsupported format %q", s)
}

func (t *Timestamp) unmarshalComponents(b []byte) error {
	var c []int
	if err := json.Unmarshal(b, &c); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if len(c) < 3 || len(c) > 7 {
		return fmt.Errorf("timestamp: want 3 to 7 components, got %d", len(c))
	}
	if c[1] < 1 || c[1] > 12 {
		return fmt.Errorf("timestamp: month %d out of range", c[1])
	}
	for len(c) < 7 {
		c = append(c, 0)
	}
	t.Time = time.Date(c[0], time.Month(c[1]), c[2], c[3], c[4], c[5], c[6], time.Local)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}
