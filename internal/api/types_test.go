package api

import (
	"encoding/json"
	"testing"
	"time"

	"ctf-arena/internal/storage"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"1h30m"`, 90 * time.Minute, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestInstanceResponse(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	direct := instanceResponse(&storage.Instance{
		ID: "a", PublicIP: "203.0.113.10", PublicPort: 30001,
		Status: storage.InstanceRunning, ExpectStopAt: now.Add(90 * time.Minute),
	}, now)
	if direct.Entry != "203.0.113.10:30001" {
		t.Errorf("direct Entry = %q", direct.Entry)
	}
	if direct.Remaining.Duration != 90*time.Minute {
		t.Errorf("Remaining = %s, want 1h30m", direct.Remaining)
	}

	proxied := instanceResponse(&storage.Instance{
		ID: "b", IsProxy: true, PublicIP: "10.0.0.1", PublicPort: 31000,
		ExpectStopAt: now.Add(-time.Minute),
	}, now)
	if proxied.Entry != "/proxy/b" {
		t.Errorf("proxy Entry = %q", proxied.Entry)
	}
	if proxied.Remaining.Duration != 0 {
		t.Errorf("expired Remaining = %s, want 0", proxied.Remaining)
	}
}
