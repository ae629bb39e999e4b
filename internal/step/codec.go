package step

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Envelope is the stable serialized form of a step: a type tag and the
// step's own JSON payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Step{
		KindAddNode:    func() Step { return &AddNode{} },
		KindRemoveNode: func() Step { return &RemoveNode{} },
		KindMoveNode:   func() Step { return &MoveNode{} },
		KindSetAttr:    func() Step { return &SetAttr{} },
		KindAddMark:    func() Step { return &AddMark{} },
		KindRemoveMark: func() Step { return &RemoveMark{} },
		KindBatch:      func() Step { return &Batch{} },
	}
)

// Register installs a factory for an extension step kind. The factory must
// return a pointer that json.Unmarshal can fill. Registering a built-in kind
// panics.
func Register(kind string, factory func() Step) {
	registryMu.Lock()
	defer registryMu.Unlock()
	switch kind {
	case KindAddNode, KindRemoveNode, KindMoveNode, KindSetAttr, KindAddMark, KindRemoveMark, KindBatch:
		panic(fmt.Sprintf("step: kind %q is built in", kind))
	}
	registry[kind] = factory
}

// Encode wraps st in an envelope.
func Encode(st Step) (Envelope, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return Envelope{}, fmt.Errorf("step: encode %s: %w", st.Kind(), err)
	}
	return Envelope{Type: st.Kind(), Data: data}, nil
}

// Decode rebuilds a step from its envelope.
func Decode(env Envelope) (Step, error) {
	registryMu.RLock()
	factory, ok := registry[env.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("step: decode: %w: %q", ErrUnknownKind, env.Type)
	}
	ptr := factory()
	if err := json.Unmarshal(env.Data, ptr); err != nil {
		return nil, fmt.Errorf("step: decode %s: %w", env.Type, err)
	}
	return deref(ptr), nil
}

// deref turns *T returned by a factory into T so decoded steps compare equal
// to the values callers construct.
func deref(st Step) Step {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		if inner, ok := v.Elem().Interface().(Step); ok {
			return inner
		}
	}
	return st
}

// Marshal encodes st as an envelope.
func Marshal(st Step) ([]byte, error) {
	env, err := Encode(st)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Step, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("step: unmarshal: %w", err)
	}
	return Decode(env)
}

// EncodeList encodes steps in order.
func EncodeList(steps []Step) ([]Envelope, error) {
	out := make([]Envelope, 0, len(steps))
	for _, st := range steps {
		env, err := Encode(st)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// DecodeList decodes envelopes in order.
func DecodeList(envs []Envelope) ([]Step, error) {
	out := make([]Step, 0, len(envs))
	for _, env := range envs {
		st, err := Decode(env)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
