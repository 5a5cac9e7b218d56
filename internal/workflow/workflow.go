package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Step is one tool invocation inside a plan or template. Params values are
// either literals or references: "$entity.<name>" resolves from extracted
// entities, "$step.<N>.<field>" from the payload of an earlier step result.
type Step struct {
	Tool     string            `json:"tool"`
	Params   map[string]string `json:"params,omitempty"`
	Bind     string            `json:"bind,omitempty"`
	Optional bool              `json:"optional,omitempty"`
}

// Entry is one reusable plan template in the catalog.
type Entry struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	TriggerDescription string    `json:"trigger_description"`
	Intent             string    `json:"intent_category"`
	SubIntent          string    `json:"sub_intent"`
	Steps              []Step    `json:"steps"`
	PageCapable        bool      `json:"page_capable"`
	IsDynamic          bool      `json:"is_dynamic"`
	UsageCount         int64     `json:"usage_count"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
}

// ValidateSteps checks that no step references a value a later step produces.
// References of the form $step.N.field must point at a strictly earlier step.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	for i, step := range steps {
		if strings.TrimSpace(step.Tool) == "" {
			return fmt.Errorf("step %d has no tool", i)
		}
		for key, val := range step.Params {
			idx, ok := stepRefIndex(val)
			if !ok {
				continue
			}
			if idx < 0 || idx >= i {
				return fmt.Errorf("step %d param %q references step %d which is not produced earlier", i, key, idx)
			}
		}
	}
	return nil
}

// StepRefIndex extracts N from a "$step.N.field" reference.
func stepRefIndex(val string) (int, bool) {
	if !strings.HasPrefix(val, "$step.") {
		return 0, false
	}
	rest := strings.TrimPrefix(val, "$step.")
	parts := strings.SplitN(rest, ".", 2)
	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return idx, true
}
