package tunnel

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/keshavkumarhembram/preevy/internal/docker"
)

// TestState_Names verifies sorted name listing.
func TestState_Names(t *testing.T) {
	state := State{
		"web-8080-aaa": {Name: "web-8080-aaa", Status: StatusActive},
		"api-3000-bbb": {Name: "api-3000-bbb", Status: StatusFailed},
		"db-5432-ccc":  {Name: "db-5432-ccc", Status: StatusPending},
	}

	want := []string{"api-3000-bbb", "db-5432-ccc", "web-8080-aaa"}
	if got := state.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

// TestState_Count verifies per-status counting.
func TestState_Count(t *testing.T) {
	state := State{
		"a": {Status: StatusActive},
		"b": {Status: StatusActive},
		"c": {Status: StatusFailed},
		"d": {Status: StatusPending},
	}

	tests := []struct {
		status Status
		want   int
	}{
		{StatusActive, 2},
		{StatusFailed, 1},
		{StatusPending, 1},
	}

	for _, tt := range tests {
		if got := state.Count(tt.status); got != tt.want {
			t.Errorf("Count(%s) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

// TestState_MarshalJSON verifies the serialized snapshot shape consumed
// by supervisors reading the agent's stdout.
func TestState_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  string
	}{
		{
			name:  "empty",
			state: State{},
			want:  `{}`,
		},
		{
			name: "active tunnel",
			state: State{
				"web-8080-aaa": {
					Name:    "web-8080-aaa",
					Service: docker.Service{ContainerID: "aaa", Name: "web", PublishedPort: 8080},
					Status:  StatusActive,
					Remote:  "0.0.0.0:8080",
				},
			},
			want: `{"web-8080-aaa":{"status":"active","remote":"0.0.0.0:8080"}}`,
		},
		{
			name: "failed tunnel carries error",
			state: State{
				"db-5432-bbb": {
					Name:   "db-5432-bbb",
					Status: StatusFailed,
					Remote: "0.0.0.0:5432",
					Error:  "remote listen on 0.0.0.0:5432: administratively prohibited",
				},
			},
			want: `{"db-5432-bbb":{"status":"failed","remote":"0.0.0.0:5432","error":"remote listen on 0.0.0.0:5432: administratively prohibited"}}`,
		},
		{
			name: "pending tunnel",
			state: State{
				"api-3000-ccc": {
					Name:   "api-3000-ccc",
					Status: StatusPending,
					Remote: "0.0.0.0:3000",
				},
			},
			want: `{"api-3000-ccc":{"status":"pending","remote":"0.0.0.0:3000"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.state)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestState_MarshalJSON_Deterministic verifies equal snapshots produce
// byte-equal documents regardless of map iteration order.
func TestState_MarshalJSON_Deterministic(t *testing.T) {
	state := State{
		"web-8080-aaa": {Status: StatusActive, Remote: "0.0.0.0:8080"},
		"api-3000-bbb": {Status: StatusFailed, Error: "boom"},
		"db-5432-ccc":  {Status: StatusPending, Remote: "0.0.0.0:5432"},
	}

	first, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if !bytes.Equal(got, first) {
			t.Fatalf("Marshal() varied across runs: %s vs %s", got, first)
		}
	}
}
