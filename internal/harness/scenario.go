package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a replication test scenario.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	Replicas   []ReplicaSpec `yaml:"replicas"`
	Steps      []Step        `yaml:"steps"`
	Assertions []Assertion   `yaml:"assertions"`
}

// Store kinds a replica can be backed by.
const (
	StoreSQLite   = "sqlite"
	StoreFramelog = "framelog"
)

// ReplicaSpec declares one replica.
type ReplicaSpec struct {
	Name string `yaml:"name"`

	// Store is "sqlite" (the default) or "framelog".
	Store string `yaml:"store,omitempty"`

	// CompactionThreshold is the record count compact steps fold above.
	CompactionThreshold int `yaml:"compaction_threshold,omitempty"`
}

// Step actions.
const (
	ActionEdit       = "edit"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionWaitSynced = "wait_synced"
	ActionCompact    = "compact"
	ActionRestart    = "restart"
)

// Step is one scenario action.
type Step struct {
	Action  string `yaml:"action"`
	Replica string `yaml:"replica"`
	Peer    string `yaml:"peer,omitempty"`
	Doc     string `yaml:"doc,omitempty"`

	// Set and Delete are the register writes of an edit. Values are
	// stored as JSON strings.
	Set    map[string]string `yaml:"set,omitempty"`
	Delete []string          `yaml:"delete,omitempty"`
}

// Assertion types.
const (
	AssertConverged = "converged"
	AssertRegister  = "register"
	AssertRecords   = "records"
	AssertDocuments = "documents"
	AssertSnapshot  = "snapshot"
	AssertLiveness  = "liveness"
)

// Assertion checks the state after all steps ran.
type Assertion struct {
	Type    string `yaml:"type"`
	Replica string `yaml:"replica,omitempty"`
	Peer    string `yaml:"peer,omitempty"`
	Doc     string `yaml:"doc,omitempty"`

	// Replicas limits converged to a subset. Empty means all.
	Replicas []string `yaml:"replicas,omitempty"`

	Key    string `yaml:"key,omitempty"`
	Value  string `yaml:"value,omitempty"`
	Absent bool   `yaml:"absent,omitempty"`

	Count  *int   `yaml:"count,omitempty"`
	Exists *bool  `yaml:"exists,omitempty"`
	State  string `yaml:"state,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks that the scenario is well formed. It does not check
// ordering, such as a disconnect without a matching connect; Run reports
// those.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}

	names := make(map[string]bool, len(s.Replicas))
	for i, r := range s.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		switch r.Store {
		case "", StoreSQLite, StoreFramelog:
		default:
			return fmt.Errorf("replicas[%d]: unknown store %q", i, r.Store)
		}
		if r.CompactionThreshold < 0 {
			return fmt.Errorf("replicas[%d]: negative compaction_threshold", i)
		}
	}

	for i, st := range s.Steps {
		if err := st.validate(names); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := a.validate(names); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func requireReplica(names map[string]bool, field, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !names[name] {
		return fmt.Errorf("%s %q is not declared", field, name)
	}
	return nil
}

func (st Step) validate(names map[string]bool) error {
	if err := requireReplica(names, "replica", st.Replica); err != nil {
		return err
	}
	switch st.Action {
	case ActionEdit:
		if st.Doc == "" {
			return fmt.Errorf("edit requires doc")
		}
		if len(st.Set) == 0 && len(st.Delete) == 0 {
			return fmt.Errorf("edit requires set or delete")
		}
	case ActionConnect, ActionDisconnect, ActionWaitSynced:
		if err := requireReplica(names, "peer", st.Peer); err != nil {
			return err
		}
		if st.Peer == st.Replica {
			return fmt.Errorf("%s: replica cannot be its own peer", st.Action)
		}
	case ActionCompact:
		if st.Doc == "" {
			return fmt.Errorf("compact requires doc")
		}
	case ActionRestart:
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

func (a Assertion) validate(names map[string]bool) error {
	switch a.Type {
	case AssertConverged:
		if a.Doc == "" {
			return fmt.Errorf("converged requires doc")
		}
		for _, n := range a.Replicas {
			if err := requireReplica(names, "replicas", n); err != nil {
				return err
			}
		}
		return nil
	case AssertRegister:
		if a.Doc == "" || a.Key == "" {
			return fmt.Errorf("register requires doc and key")
		}
	case AssertRecords:
		if a.Doc == "" || a.Count == nil {
			return fmt.Errorf("records requires doc and count")
		}
	case AssertDocuments:
		if a.Count == nil {
			return fmt.Errorf("documents requires count")
		}
	case AssertSnapshot:
		if a.Doc == "" || a.Exists == nil {
			return fmt.Errorf("snapshot requires doc and exists")
		}
	case AssertLiveness:
		if err := requireReplica(names, "peer", a.Peer); err != nil {
			return err
		}
		if a.State == "" {
			return fmt.Errorf("liveness requires state")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return requireReplica(names, "replica", a.Replica)
}
