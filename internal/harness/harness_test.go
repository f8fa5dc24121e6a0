package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenariosMatchGolden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)
		t.Run(s.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, s))
		})
	}
}

func intp(n int) *int    { return &n }
func boolp(b bool) *bool { return &b }

func TestRunReportsFailedAssertions(t *testing.T) {
	s := &Scenario{
		Name:     "failing",
		Replicas: []ReplicaSpec{{Name: "alpha"}},
		Steps: []Step{
			{Action: ActionEdit, Replica: "alpha", Doc: "notes", Set: map[string]string{"title": "one"}},
		},
		Assertions: []Assertion{
			{Type: AssertRegister, Replica: "alpha", Doc: "notes", Key: "title", Value: "two"},
			{Type: AssertRegister, Replica: "alpha", Doc: "notes", Key: "title", Absent: true},
			{Type: AssertRecords, Replica: "alpha", Doc: "notes", Count: intp(5)},
			{Type: AssertSnapshot, Replica: "alpha", Doc: "notes", Exists: boolp(true)},
			{Type: AssertDocuments, Replica: "alpha", Count: intp(1)},
		},
	}
	require.NoError(t, s.Validate())

	res, err := Run(context.Background(), s, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 4)
	assert.Contains(t, res.Errors[0], `expected "two", actual "one"`)
	assert.Contains(t, res.Errors[1], "title absent")
	assert.Contains(t, res.Errors[2], "expected 5, actual 1")
	assert.Contains(t, res.Errors[3], "exists=true")
	assert.Equal(t, map[string]string{"title": "one"}, res.State["alpha"]["notes"])
}

func TestRunRejectsUnconnectedPeers(t *testing.T) {
	s := &Scenario{
		Name:     "unconnected",
		Replicas: []ReplicaSpec{{Name: "alpha"}, {Name: "beta"}},
		Steps: []Step{
			{Action: ActionWaitSynced, Replica: "alpha", Peer: "beta"},
		},
	}
	_, err := Run(context.Background(), s, Options{Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha is not connected to beta")
}

func TestRunRejectsDoubleConnect(t *testing.T) {
	s := &Scenario{
		Name:     "double",
		Replicas: []ReplicaSpec{{Name: "alpha"}, {Name: "beta"}},
		Steps: []Step{
			{Action: ActionConnect, Replica: "alpha", Peer: "beta"},
			{Action: ActionConnect, Replica: "alpha", Peer: "beta"},
		},
	}
	_, err := Run(context.Background(), s, Options{Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already connected")
}

func TestRunRequiresDir(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{Name: "x"}, Options{})
	assert.Error(t, err)
}

func TestConvergedDetectsDivergence(t *testing.T) {
	s := &Scenario{
		Name:     "diverged",
		Replicas: []ReplicaSpec{{Name: "alpha"}, {Name: "beta", Store: StoreFramelog}},
		Steps: []Step{
			{Action: ActionEdit, Replica: "alpha", Doc: "notes", Set: map[string]string{"title": "mine"}},
		},
		Assertions: []Assertion{{Type: AssertConverged, Doc: "notes"}},
	}
	res, err := Run(context.Background(), s, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "converged")
}

func TestEditPayloadOrdersWrites(t *testing.T) {
	data, err := editPayload(Step{
		Set:    map[string]string{"b": "2", "a": "1"},
		Delete: []string{"z"},
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"writes":[{"key":"a","value":"1"},{"key":"b","value":"2"},{"key":"z","delete":true}]}`,
		string(data))
}
