package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/autowiki/internal/ir"
)

// TraceSnapshot is what golden files hold: the step trace and the final
// registers. Hashes and insertion timestamps are left out.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        map[string]map[string]map[string]string
}

// toCanonicalMap converts the snapshot into the value types
// ir.MarshalCanonical accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":    ev.Step,
			"action":  ev.Action,
			"replica": ev.Replica,
		}
		setString(m, "peer", ev.Peer)
		setString(m, "doc", ev.Doc)
		setString(m, "liveness", ev.Liveness)
		setInt(m, "writes", ev.Writes)
		setInt(m, "folded", ev.Folded)
		setInt(m, "deleted", ev.Deleted)
		setInt(m, "documents", ev.Documents)
		trace[i] = m
	}

	state := make(map[string]any, len(s.State))
	for name, docs := range s.State {
		dm := make(map[string]any, len(docs))
		for doc, regs := range docs {
			rm := make(map[string]any, len(regs))
			for k, v := range regs {
				rm[k] = v
			}
			dm[doc] = rm
		}
		state[name] = dm
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"state":         state,
	}
}

func setString(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func setInt(m map[string]any, k string, v int) {
	if v != 0 {
		m[k] = v
	}
}

// RunWithGolden executes a scenario in a temporary directory, fails the
// test on any assertion error, and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario, Options{Dir: t.TempDir()})
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares a result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	}
	data, err := ir.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
