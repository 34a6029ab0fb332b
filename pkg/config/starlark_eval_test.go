package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "derive from input",
			script: `port = base_port + 1`,
			input:  map[string]interface{}{"base_port": 8000},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["port"] != int64(8001) {
					t.Errorf("expected port=8001, got %v", sr.Output["port"])
				}
				if _, ok := sr.Output["base_port"]; ok {
					t.Error("predeclared input leaked into output")
				}
			},
		},
		{
			name: "team config from a function",
			script: `
def team(names):
    return {"members": [{"user": n, "admin": n == "ana"} for n in names]}

team_config = team(users)
`,
			input: map[string]interface{}{"users": []interface{}{"ana", "bo"}},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				cfg, ok := sr.Output["team_config"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected team_config to be a dict, got %T", sr.Output["team_config"])
				}
				members, ok := cfg["members"].([]interface{})
				if !ok || len(members) != 2 {
					t.Fatalf("expected 2 members, got %v", cfg["members"])
				}
				first := members[0].(map[string]interface{})
				if first["user"] != "ana" || first["admin"] != true {
					t.Errorf("unexpected first member: %v", first)
				}
				if _, ok := sr.Output["team"]; ok {
					t.Error("functions must not be exported as variables")
				}
			},
		},
		{
			name:   "json module",
			script: `team_config_json = json.encode({"org": org, "seats": 3})`,
			input:  map[string]interface{}{"org": "acme"},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["team_config_json"] != `{"org":"acme","seats":3}` {
					t.Errorf("unexpected json: %v", sr.Output["team_config_json"])
				}
			},
		},
		{
			name: "struct and tuple",
			script: `
s = struct(host = "web-1", port = 22)
pair = ("a", 1)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				s := sr.Output["s"].(map[string]interface{})
				if s["host"] != "web-1" || s["port"] != int64(22) {
					t.Errorf("unexpected struct: %v", s)
				}
				pair := sr.Output["pair"].([]interface{})
				if len(pair) != 2 || pair[0] != "a" {
					t.Errorf("unexpected tuple: %v", pair)
				}
			},
		},
		{
			name: "private globals are dropped",
			script: `
_scratch = 1
visible = _scratch + 1
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["_scratch"]; ok {
					t.Error("underscore global exported")
				}
				if sr.Output["visible"] != int64(2) {
					t.Errorf("visible = %v", sr.Output["visible"])
				}
			},
		},
		{
			name: "nested input and float results",
			script: `
half = ratio / 2
hosts = [h["name"] for h in fleet["hosts"] if h["weight"] > 1]
`,
			input: map[string]interface{}{
				"ratio": 0.25,
				"fleet": map[string]interface{}{
					"hosts": []interface{}{
						map[string]interface{}{"name": "web-1", "weight": 2},
						map[string]interface{}{"name": "web-2", "weight": 1},
					},
				},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["half"] != 0.125 {
					t.Errorf("half = %v (%T)", sr.Output["half"], sr.Output["half"])
				}
				hosts, ok := sr.Output["hosts"].([]interface{})
				if !ok || len(hosts) != 1 || hosts[0] != "web-1" {
					t.Errorf("hosts = %v", sr.Output["hosts"])
				}
			},
		},
		{
			name:    "non-string dict keys cannot be exported",
			script:  `by_port = {22: "ssh"}`,
			wantErr: true,
		},
		{
			name:    "syntax error",
			script:  `invalid syntax here`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `result = undefined_variable`,
			wantErr: true,
		},
		{
			name:    "load is not available",
			script:  `load("other.star", "x")`,
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  `x = 1`,
			input:   map[string]interface{}{"ch": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got output %v", result.Output)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100*time.Millisecond, zerolog.Nop())
	evaluator.maxSteps = 0 // rely on the timeout alone

	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", `
def spin():
    for i in range(1000000000):
        pass
spin()
`, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("evaluation ran for %v after the timeout", elapsed)
	}
}

func TestStarlarkEvaluator_StepLimit(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute, zerolog.Nop())
	evaluator.maxSteps = 1000

	_, err := evaluator.Evaluate(context.Background(), "steps.star", `
def count():
    n = 0
    for i in range(100000):
        n += i
    return n
total = count()
`, nil)
	if err == nil || !strings.Contains(err.Error(), "too many steps") {
		t.Fatalf("expected step limit error, got %v", err)
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "cancel.star", `
def spin():
    for i in range(1000000000):
        pass
spin()
`, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
