package step

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/starford/arbor/internal/model"
)

// Batch applies Steps in order as one unit. Content rules are checked once
// after the last step, so intermediate child lists may be transiently
// invalid. Any failure discards the whole batch.
type Batch struct {
	Steps []Step
}

func (Batch) Kind() string { return KindBatch }

func (b Batch) Apply(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	return applyValidated(b, t, s)
}

func (b Batch) applyStructure(t *model.Tree, s *model.Schema) (*model.Tree, []string, error) {
	cur := t
	var touched []string
	for i, st := range b.Steps {
		next, tt, err := applyDeferred(st, cur, s)
		if err != nil {
			return nil, nil, fmt.Errorf("step: %s: step %d: %w", KindBatch, i, err)
		}
		cur = next
		touched = append(touched, tt...)
	}
	return cur, touched, nil
}

// Invert returns the reversed list of sub-step inverses, each computed from
// the tree that sub-step saw.
func (b Batch) Invert(before *model.Tree, s *model.Schema) (Step, error) {
	cur := before
	inv := make([]Step, 0, len(b.Steps))
	for i, st := range b.Steps {
		is, err := st.Invert(cur, s)
		if err != nil {
			return nil, fmt.Errorf("step: invert %s: step %d: %w", KindBatch, i, err)
		}
		inv = append(inv, is)
		if cur, _, err = applyDeferred(st, cur, s); err != nil {
			return nil, fmt.Errorf("step: invert %s: step %d: %w", KindBatch, i, err)
		}
	}
	slices.Reverse(inv)
	return Batch{Steps: inv}, nil
}

// Len returns the number of sub-steps.
func (b Batch) Len() int { return len(b.Steps) }

// MarshalJSON encodes sub-steps as tagged envelopes.
func (b Batch) MarshalJSON() ([]byte, error) {
	envs := make([]Envelope, 0, len(b.Steps))
	for _, st := range b.Steps {
		env, err := Encode(st)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(struct {
		Steps []Envelope `json:"steps"`
	}{Steps: envs})
}

// UnmarshalJSON decodes tagged sub-step envelopes.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Steps []Envelope `json:"steps"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Steps = make([]Step, 0, len(raw.Steps))
	for _, env := range raw.Steps {
		st, err := Decode(env)
		if err != nil {
			return err
		}
		b.Steps = append(b.Steps, st)
	}
	return nil
}
