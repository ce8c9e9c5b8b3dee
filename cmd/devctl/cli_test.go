package main

import (
	"reflect"
	"testing"
)

func TestParseEnv(t *testing.T) {
	scenarios := map[string]struct {
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		"No pairs": {
			pairs: nil,
			want:  nil,
		},
		"Single pair": {
			pairs: []string{"PORT=8080"},
			want:  map[string]string{"PORT": "8080"},
		},
		"Multiple pairs": {
			pairs: []string{"PORT=8080", "DEBUG=1"},
			want:  map[string]string{"PORT": "8080", "DEBUG": "1"},
		},
		"Empty value": {
			pairs: []string{"EMPTY="},
			want:  map[string]string{"EMPTY": ""},
		},
		"Value containing equals": {
			pairs: []string{"FLAGS=-a=1 -b=2"},
			want:  map[string]string{"FLAGS": "-a=1 -b=2"},
		},
		"Missing separator": {
			pairs:   []string{"PORT"},
			wantErr: true,
		},
		"Empty key": {
			pairs:   []string{"=value"},
			wantErr: true,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			got, err := parseEnv(config.pairs)

			if config.wantErr {
				if err == nil {
					t.Error("expected to receive error")
				}

				return
			}

			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if !reflect.DeepEqual(got, config.want) {
				t.Errorf("expected env: got '%v', want '%v'", got, config.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	scenarios := map[string]struct {
		id   string
		want string
	}{
		"Full uuid": {
			id:   "9302033c-f8f7-4b6e-9363-a7aa201cce1b",
			want: "9302033c",
		},
		"Exactly eight": {
			id:   "abcd1234",
			want: "abcd1234",
		},
		"Shorter than eight": {
			id:   "ab",
			want: "ab",
		},
		"Empty": {
			id:   "",
			want: "",
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			if got := shortID(config.id); got != config.want {
				t.Errorf("expected short id: got '%s', want '%s'", got, config.want)
			}
		})
	}
}
