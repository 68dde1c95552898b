package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"empty means unset", "", 0, false},
		{"whitespace means unset", "  ", 0, false},
		{"simple", "30s", 30 * time.Second, false},
		{"compound", "1h30m", 90 * time.Minute, false},
		{"garbage", "soon", 0, true},
		{"negative", "-5s", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDurationField("scheduler.retry_delay", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	def := 2 * time.Second
	if d, err := ParseDurationOrDefault("f", "", def); err != nil || d != def {
		t.Fatalf("unset: got %v, %v; want %v", d, err, def)
	}
	if d, err := ParseDurationOrDefault("f", "0s", def); err != nil || d != def {
		t.Fatalf("explicit zero: got %v, %v; want %v", d, err, def)
	}
	if d, err := ParseDurationOrDefault("f", "7s", def); err != nil || d != 7*time.Second {
		t.Fatalf("set: got %v, %v; want 7s", d, err)
	}
	if _, err := ParseDurationOrDefault("f", "nope", def); err == nil {
		t.Fatal("invalid input did not error")
	}
}

func TestCoerceToJSONBytes(t *testing.T) {
	t.Parallel()

	t.Run("json passes through untouched", func(t *testing.T) {
		in := []byte(`{"default_platform": "telegram"}`)
		out, format, err := coerceToJSONBytes("config.json", in)
		if err != nil {
			t.Fatalf("coerce: %v", err)
		}
		if format != "json" || string(out) != string(in) {
			t.Fatalf("got format=%s out=%s", format, out)
		}
	})

	t.Run("yaml becomes decodable json", func(t *testing.T) {
		in := []byte("scheduler:\n  enabled: true\n  rescan_every: 1m\n")
		out, format, err := coerceToJSONBytes("config.yaml", in)
		if err != nil {
			t.Fatalf("coerce: %v", err)
		}
		if format != "yaml" {
			t.Fatalf("format = %s, want yaml", format)
		}
		var v struct {
			Scheduler struct {
				Enabled     bool   `json:"enabled"`
				RescanEvery string `json:"rescan_every"`
			} `json:"scheduler"`
		}
		if err := json.Unmarshal(out, &v); err != nil {
			t.Fatalf("unmarshal coerced output: %v", err)
		}
		if !v.Scheduler.Enabled || v.Scheduler.RescanEvery != "1m" {
			t.Fatalf("round-trip lost fields: %+v", v)
		}
	})

	t.Run("non-string keys are stringified", func(t *testing.T) {
		in := []byte("1: one\n2: two\n")
		out, _, err := coerceToJSONBytes("weird.yml", in)
		if err != nil {
			t.Fatalf("coerce: %v", err)
		}
		var m map[string]string
		if err := json.Unmarshal(out, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["1"] != "one" || m["2"] != "two" {
			t.Fatalf("got %v", m)
		}
	})

	t.Run("bad yaml errors", func(t *testing.T) {
		if _, _, err := coerceToJSONBytes("config.yml", []byte(": ::\n\t")); err == nil {
			t.Fatal("malformed yaml did not error")
		}
	})
}
