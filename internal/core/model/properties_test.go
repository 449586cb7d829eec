package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProperties_LaterLayersWin(t *testing.T) {
	p := NewProperties(map[string]any{"Runtime": "nodejs18.x", "Timeout": 3}).
		Merge(map[string]any{"Timeout": 30}).
		Merge(map[string]any{"MemorySize": 512})

	out := p.Finalize("FunctionName", "b-s1-f1")
	assert.Equal(t, map[string]any{
		"Runtime":      "nodejs18.x",
		"Timeout":      30,
		"MemorySize":   512,
		"FunctionName": "b-s1-f1",
	}, out)
}

func TestProperties_NameInjectedLast(t *testing.T) {
	p := NewProperties(map[string]any{"QueueName": "user-chosen"})
	out := p.Finalize("QueueName", "b-s1-q")
	assert.Equal(t, "b-s1-q", out["QueueName"])
}

func TestProperties_MergeDoesNotMutateReceiver(t *testing.T) {
	base := NewProperties(map[string]any{"A": 1})
	_ = base.Merge(map[string]any{"A": 2, "B": 3})

	assert.Equal(t, map[string]any{"A": 1}, base.Finalize("", ""))
}

func TestProperties_FinalizeIsolatesNestedValues(t *testing.T) {
	input := map[string]any{
		"Events":   map[string]any{},
		"Policies": []any{map[string]any{"Statement": []Statement{Allow("r", "x:Y")}}},
	}
	p := NewProperties(input)

	// Input is copied on Merge.
	input["Events"].(map[string]any)["E"] = 1

	first := p.Finalize("", "")
	first["Events"].(map[string]any)["F"] = 2
	first["Policies"].([]any)[0].(map[string]any)["Statement"].([]Statement)[0].Resource = "changed"

	second := p.Finalize("", "")
	assert.Empty(t, second["Events"])
	stmts := second["Policies"].([]any)[0].(map[string]any)["Statement"].([]Statement)
	assert.Equal(t, "r", stmts[0].Resource)
}

func TestProperties_EmptyMergeReturnsSameBag(t *testing.T) {
	p := NewProperties(map[string]any{"A": 1})
	assert.Equal(t, p.Finalize("", ""), p.Merge(nil).Finalize("", ""))
}
