package api

import (
	"encoding/gob"
	"maps"
	"slices"
	"time"
)

func init() {
	RegisterPayload(Text{})
	RegisterPayload(WaitResult{})
}

// PayloadKind names the shape of a step result.
type PayloadKind string

const (
	KindText PayloadKind = "text"
	KindWait PayloadKind = "wait"
)

// Payload is a typed step result. Concrete payloads are plain structs; callers
// discover what a value can do through capability interfaces (see
// pkg/travel.Costed) instead of switching on a type tag.
type Payload interface {
	Kind() PayloadKind
}

// RegisterPayload makes a concrete payload type known to the persistence
// codec. Every payload type stored in a Context or as a step Output must be
// registered once, typically from an init function.
func RegisterPayload(p Payload) {
	gob.Register(p)
}

// Text is a free-form textual result.
type Text struct {
	Value string `json:"value"`
}

func (Text) Kind() PayloadKind { return KindText }

// WaitResult is the output of a wait step.
type WaitResult struct {
	Until time.Time `json:"until"`
}

func (WaitResult) Kind() PayloadKind { return KindWait }

// Context is the key/value bag a workflow accumulates from step results.
type Context map[string]Payload

// Clone returns a shallow copy of c.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// Merge adds every key of patch that c does not already hold. Existing keys
// are never overwritten. It returns the added keys, sorted.
func (c Context) Merge(patch Context) []string {
	var added []string
	for k, v := range patch {
		if _, exists := c[k]; exists {
			continue
		}
		c[k] = v
		added = append(added, k)
	}
	slices.Sort(added)
	return added
}

// Lookup returns the value stored under key if it has type T.
func Lookup[T Payload](c Context, key string) (T, bool) {
	var zero T
	v, ok := c[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// FindFirst returns the first value of type T, scanning keys in sorted order.
// T may be an interface, which lets a step ask for any result carrying a
// given capability.
func FindFirst[T any](c Context) (T, string, bool) {
	var zero T
	for _, k := range slices.Sorted(maps.Keys(c)) {
		if t, ok := c[k].(T); ok {
			return t, k, true
		}
	}
	return zero, "", false
}

// FindAll returns every value implementing T, keyed by context key.
func FindAll[T any](c Context) map[string]T {
	out := make(map[string]T)
	for k, v := range c {
		if t, ok := v.(T); ok {
			out[k] = t
		}
	}
	return out
}
