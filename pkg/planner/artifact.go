package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// WritePlan serializes the plan artifact to path via temp-file-plus-
// rename so a torn write never leaves a half-plan behind
func WritePlan(path string, plan *types.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// ReadPlan loads and validates a plan artifact. Unknown fields and
// missing required fields are PlanInvalid.
func ReadPlan(path string) (*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var plan types.Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPlanInvalid, err)
	}

	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ValidatePlan checks the structural invariants of a plan artifact
func ValidatePlan(plan *types.Plan) error {
	if plan.PlanID == "" {
		return fmt.Errorf("%w: missing plan_id", errdefs.ErrPlanInvalid)
	}
	if plan.Strategy.Name == "" {
		return fmt.Errorf("%w: missing strategy name", errdefs.ErrPlanInvalid)
	}
	for i, a := range plan.Actions {
		if a.Seq != i {
			return fmt.Errorf("%w: action %d has seq %d", errdefs.ErrPlanInvalid, i, a.Seq)
		}
		if a.FileID == 0 || a.Path == "" {
			return fmt.Errorf("%w: action %d missing file identity", errdefs.ErrPlanInvalid, i)
		}
		switch a.Kind {
		case types.ActionDelete:
		case types.ActionMove:
			if a.Dest == "" {
				return fmt.Errorf("%w: move action %d missing dest", errdefs.ErrPlanInvalid, i)
			}
		case types.ActionReplaceWithLink:
			if a.KeeperFileID == 0 || a.KeeperPath == "" {
				return fmt.Errorf("%w: link action %d missing keeper", errdefs.ErrPlanInvalid, i)
			}
			if a.LinkKind != types.LinkHard && a.LinkKind != types.LinkSymbolic {
				return fmt.Errorf("%w: link action %d has kind %q", errdefs.ErrPlanInvalid, i, a.LinkKind)
			}
		default:
			return fmt.Errorf("%w: action %d has unknown kind %q", errdefs.ErrPlanInvalid, i, a.Kind)
		}
	}
	return nil
}
