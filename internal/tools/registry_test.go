package tools

import (
	"strings"
	"testing"
)

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Card{{Name: "a", Description: "x"}, {Name: "a", Description: "y"}})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestNewRegistryRejectsEmptyName(t *testing.T) {
	if _, err := NewRegistry([]Card{{Name: "  "}}); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestDefaultCardsLoad(t *testing.T) {
	r, err := NewRegistry(DefaultCards())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	card, ok := r.Get("flood_forecast_run")
	if !ok {
		t.Fatalf("flood_forecast_run missing")
	}
	if !card.Async || card.Idempotent {
		t.Fatalf("flood_forecast_run must be async and not idempotent: %+v", card)
	}
	if c, _ := r.Get("reservoir_gate_schedule"); c.Idempotent {
		t.Fatalf("side-effecting tool must not be idempotent")
	}
}

func TestDescribeMarksRequiredAndAsync(t *testing.T) {
	r, err := NewRegistry([]Card{
		{
			Name:        "station_realtime",
			Description: "latest reading",
			Params:      []ParamSpec{{Name: "station", Required: true}, {Name: "units"}},
		},
		{Name: "flood_forecast_run", Description: "model run", Async: true},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	desc := r.Describe()
	if !strings.Contains(desc, "station*") {
		t.Fatalf("required param not marked: %s", desc)
	}
	if !strings.Contains(desc, "units") || strings.Contains(desc, "units*") {
		t.Fatalf("optional param marked wrong: %s", desc)
	}
	if !strings.Contains(desc, "[async job]") {
		t.Fatalf("async tool not tagged: %s", desc)
	}
}
