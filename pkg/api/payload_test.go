package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pricedThing struct {
	Amount float64
}

func (pricedThing) Kind() PayloadKind { return "priced" }
func (p pricedThing) Price() float64  { return p.Amount }

type pricer interface{ Price() float64 }

func TestContextMerge_NeverOverwrites(t *testing.T) {
	c := Context{"a": Text{Value: "original"}}

	added := c.Merge(Context{
		"a": Text{Value: "replacement"},
		"c": Text{Value: "new-c"},
		"b": Text{Value: "new-b"},
	})

	assert.Equal(t, []string{"b", "c"}, added)
	assert.Equal(t, Text{Value: "original"}, c["a"])
	assert.Equal(t, Text{Value: "new-b"}, c["b"])
	assert.Len(t, c, 3)
}

func TestContextMerge_EmptyPatch(t *testing.T) {
	c := Context{"a": Text{Value: "x"}}
	assert.Empty(t, c.Merge(nil))
	assert.Len(t, c, 1)
}

func TestContextClone_IsIndependent(t *testing.T) {
	c := Context{"a": Text{Value: "x"}}
	cp := c.Clone()
	cp["b"] = Text{Value: "y"}

	assert.Len(t, c, 1)
	assert.Nil(t, Context(nil).Clone())
}

func TestLookup(t *testing.T) {
	c := Context{
		"note":  Text{Value: "hello"},
		"until": WaitResult{Until: time.Unix(100, 0)},
	}

	txt, ok := Lookup[Text](c, "note")
	require.True(t, ok)
	assert.Equal(t, "hello", txt.Value)

	_, ok = Lookup[Text](c, "until")
	assert.False(t, ok, "type mismatch must not match")

	_, ok = Lookup[Text](c, "missing")
	assert.False(t, ok)
}

func TestFindFirst_ByCapability(t *testing.T) {
	c := Context{
		"z-cheap": pricedThing{Amount: 10},
		"a-note":  Text{Value: "n/a"},
		"m-dear":  pricedThing{Amount: 99},
	}

	p, key, ok := FindFirst[pricer](c)
	require.True(t, ok)
	assert.Equal(t, "m-dear", key, "keys are scanned in sorted order")
	assert.Equal(t, 99.0, p.Price())

	_, _, ok = FindFirst[pricer](Context{"a": Text{}})
	assert.False(t, ok)

	all := FindAll[pricer](c)
	assert.Len(t, all, 2)
}
