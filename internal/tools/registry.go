package tools

import (
	"fmt"
	"sort"
	"strings"
)

// ParamSpec describes one expected parameter of a tool.
type ParamSpec struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Card is the capability signature of one domain tool: expected parameters,
// idempotency, and whether the gateway runs it synchronously or as a job.
type Card struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
	Idempotent  bool        `json:"idempotent"`
	Async       bool        `json:"async"`
	PageCapable bool        `json:"page_capable"`
	Path        string      `json:"path,omitempty"` // gateway path override
}

// Registry is the closed set of tool cards, built once at process start and
// passed by reference to the planner and executor.
type Registry struct {
	cards map[string]Card
}

// NewRegistry validates cards and builds the lookup table.
func NewRegistry(cards []Card) (*Registry, error) {
	r := &Registry{cards: make(map[string]Card, len(cards))}
	for _, c := range cards {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("tool card with empty name")
		}
		if _, dup := r.cards[name]; dup {
			return nil, fmt.Errorf("duplicate tool card: %s", name)
		}
		r.cards[name] = c
	}
	return r, nil
}

// Get returns the card for a tool name.
func (r *Registry) Get(name string) (Card, bool) {
	if r == nil {
		return Card{}, false
	}
	c, ok := r.cards[name]
	return c, ok
}

// Cards returns all cards sorted by name.
func (r *Registry) Cards() []Card {
	out := make([]Card, 0, len(r.cards))
	for _, c := range r.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders a machine-readable catalog of the registry for prompts.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, c := range r.Cards() {
		b.WriteString("- ")
		b.WriteString(c.Name)
		b.WriteString(": ")
		b.WriteString(c.Description)
		if len(c.Params) > 0 {
			names := make([]string, 0, len(c.Params))
			for _, p := range c.Params {
				n := p.Name
				if p.Required {
					n += "*"
				}
				names = append(names, n)
			}
			b.WriteString(" (params: ")
			b.WriteString(strings.Join(names, ", "))
			b.WriteString(")")
		}
		if c.Async {
			b.WriteString(" [async job]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// DefaultCards returns the built-in flood-domain tool cards. The 175+ thin
// service wrappers all route through the gateway; these cards cover the
// operations the planner is allowed to schedule.
func DefaultCards() []Card {
	return []Card{
		{
			Name:        "station_realtime",
			Description: "Latest observed water level, flow and warning stages for a monitoring station",
			Params:      []ParamSpec{{Name: "station", Required: true}},
			Idempotent:  true,
		},
		{
			Name:        "rain_summary",
			Description: "Accumulated areal rainfall over the basin for a time window, chart-ready series",
			Params:      []ParamSpec{{Name: "window", Required: true}},
			Idempotent:  true,
			PageCapable: true,
		},
		{
			Name:        "flood_forecast_run",
			Description: "Submit a hydrological forecast model run for a station; long-running job",
			Params:      []ParamSpec{{Name: "station", Required: true}, {Name: "horizon_hours", Required: false}},
			Async:       true,
		},
		{
			Name:        "gis_flood_extent",
			Description: "GIS inundation extent layers for the basin, chart-ready geometry",
			Params:      []ParamSpec{{Name: "window", Required: false}, {Name: "region", Required: false}},
			Idempotent:  true,
			PageCapable: true,
		},
		{
			Name:        "emergency_plan_lookup",
			Description: "Emergency response plan sections applicable to a station and warning stage",
			Params:      []ParamSpec{{Name: "station", Required: true}, {Name: "stage", Required: false}},
			Idempotent:  true,
		},
		{
			Name:        "reservoir_gate_schedule",
			Description: "Submit a gate discharge schedule proposal for a reservoir; creates a record downstream",
			Params:      []ParamSpec{{Name: "reservoir", Required: true}, {Name: "target_level", Required: false}},
		},
	}
}
