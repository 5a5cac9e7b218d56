package workflow

import "time"

// Business sub-intents recognised by the intent classifier.
const (
	SubIntentFloodWarning   = "flood_warning"
	SubIntentReservoirOps   = "reservoir_ops"
	SubIntentRainfallReport = "rainfall_report"
	SubIntentStationStatus  = "station_status"
)

// BuiltinTemplates returns the hand-authored workflow templates created at
// process start.
func BuiltinTemplates() []Entry {
	now := time.Now()
	return []Entry{
		{
			ID:                 "tpl-flood-warning-briefing",
			Name:               "flood warning briefing",
			TriggerDescription: "current flood warning situation, river levels exceeding warning stage, which stations are above guaranteed level",
			Intent:             "business",
			SubIntent:          SubIntentFloodWarning,
			Steps: []Step{
				{Tool: "station_realtime", Params: map[string]string{"station": "$entity.station"}, Bind: "levels"},
				{Tool: "flood_forecast_run", Params: map[string]string{"station": "$entity.station", "horizon_hours": "24"}, Bind: "forecast"},
				{Tool: "emergency_plan_lookup", Params: map[string]string{"station": "$entity.station", "stage": "$step.0.warning_stage"}, Bind: "plan", Optional: true},
			},
			IsActive:  true,
			CreatedAt: now,
		},
		{
			ID:                 "tpl-reservoir-prerelease",
			Name:               "reservoir pre-release assessment",
			TriggerDescription: "assess reservoir pre-release before incoming flood, gate discharge scheduling, flood control capacity remaining",
			Intent:             "business",
			SubIntent:          SubIntentReservoirOps,
			Steps: []Step{
				{Tool: "station_realtime", Params: map[string]string{"station": "$entity.reservoir"}, Bind: "current"},
				{Tool: "flood_forecast_run", Params: map[string]string{"station": "$entity.reservoir", "horizon_hours": "72"}, Bind: "inflow"},
				{Tool: "reservoir_gate_schedule", Params: map[string]string{"reservoir": "$entity.reservoir", "target_level": "$step.1.safe_level"}, Bind: "schedule"},
			},
			IsActive:  true,
			CreatedAt: now,
		},
		{
			ID:                 "tpl-rainfall-situation-page",
			Name:               "rainfall situation page",
			TriggerDescription: "rainfall distribution over the basin, accumulated precipitation map for a time window, areal rainfall summary",
			Intent:             "business",
			SubIntent:          SubIntentRainfallReport,
			Steps: []Step{
				{Tool: "rain_summary", Params: map[string]string{"window": "$entity.window"}, Bind: "rain"},
				{Tool: "gis_flood_extent", Params: map[string]string{"window": "$entity.window"}, Bind: "extent", Optional: true},
			},
			PageCapable: true,
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:                 "tpl-station-status",
			Name:               "station status check",
			TriggerDescription: "latest water level and flow at a monitoring station, is the station reporting normally",
			Intent:             "business",
			SubIntent:          SubIntentStationStatus,
			Steps: []Step{
				{Tool: "station_realtime", Params: map[string]string{"station": "$entity.station"}, Bind: "status"},
			},
			IsActive:  true,
			CreatedAt: now,
		},
	}
}

// BuiltinStaticMapping is the deterministic sub-intent fallback used when
// embedding similarity produces no acceptable template.
func BuiltinStaticMapping() map[string]string {
	return map[string]string{
		SubIntentFloodWarning:  "tpl-flood-warning-briefing",
		SubIntentReservoirOps:  "tpl-reservoir-prerelease",
		SubIntentStationStatus: "tpl-station-status",
		// rainfall_report deliberately has no static mapping; unmatched
		// rainfall requests fall through to plan synthesis.
	}
}
