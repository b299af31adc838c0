package model

import (
	"math"
	"testing"
)

func TestClampPriority(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, PriorityDefault},
		{-3, PriorityHighest},
		{1, 1},
		{7, 7},
		{10, 10},
		{42, PriorityLowest},
	}
	for _, tt := range tests {
		if got := ClampPriority(tt.in); got != tt.want {
			t.Errorf("ClampPriority(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCommandType(t *testing.T) {
	if got := CommandType("validation"); got != "command.step.validation" {
		t.Errorf("CommandType() = %q", got)
	}
}

func TestEvent_accessors(t *testing.T) {
	e := Event{Data: map[string]any{
		"workflow_id": "wf-1",
		"step_index":  2,
		"json_index":  float64(3),
		"bad":         "x",
	}}

	if got := e.String("workflow_id"); got != "wf-1" {
		t.Errorf("String(workflow_id) = %q", got)
	}
	if got := e.String("step_index"); got != "" {
		t.Errorf("String(step_index) = %q, want empty", got)
	}
	if got, ok := e.Int("step_index"); !ok || got != 2 {
		t.Errorf("Int(step_index) = %d, %v", got, ok)
	}
	if got, ok := e.Int("json_index"); !ok || got != 3 {
		t.Errorf("Int(json_index) = %d, %v", got, ok)
	}
	if _, ok := e.Int("bad"); ok {
		t.Error("Int(bad) ok = true")
	}
	if _, ok := e.Int("missing"); ok {
		t.Error("Int(missing) ok = true")
	}
}

func TestEvent_Int_rejectsLossyFloats(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"fraction", 1.9},
		{"negative fraction", -0.5},
		{"NaN", math.NaN()},
		{"positive infinity", math.Inf(1)},
		{"negative infinity", math.Inf(-1)},
		{"too large", 1e300},
		{"too small", -1e300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Data: map[string]any{"step_index": tt.value}}
			if got, ok := e.Int("step_index"); ok {
				t.Errorf("Int(%v) = %d, true; want false", tt.value, got)
			}
		})
	}

	e := Event{Data: map[string]any{"step_index": float64(-4)}}
	if got, ok := e.Int("step_index"); !ok || got != -4 {
		t.Errorf("Int(-4.0) = %d, %v; want -4, true", got, ok)
	}
}
