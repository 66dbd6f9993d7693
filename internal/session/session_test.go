package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestampUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339", `"2025-03-01T10:00:00Z"`, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), false},
		{"local", `"2025-03-01T10:00:00"`, time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local), false},
		{"local fraction", `"2025-03-01T10:00:00.250"`, time.Date(2025, 3, 1, 10, 0, 0, 250_000_000, time.Local), false},
		{"components", `[2025,3,1,10,0,5,1000]`, time.Date(2025, 3, 1, 10, 0, 5, 1000, time.Local), false},
		{"date components", `[2025,3,1]`, time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local), false},
		{"null", `null`, time.Time{}, false},
		{"empty", `""`, time.Time{}, false},
		{"too few components", `[2025,3]`, time.Time{}, true},
		{"bad month", `[2025,13,1]`, time.Time{}, true},
		{"garbage", `"next tuesday"`, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.in), &ts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ts.Time)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !ts.Equal(tt.want) {
				t.Fatalf("got %v, want %v", ts.Time, tt.want)
			}
		})
	}
}

func TestSessionDecodesComponentStartTime(t *testing.T) {
	var s Session
	body := `{"id":5,"skillId":9,"roomName":"r","producerToken":"p","startTime":[2025,3,1,10,0]}`
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local); !s.StartTime.Equal(want) {
		t.Fatalf("start = %v, want %v", s.StartTime.Time, want)
	}
}
