package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one protocol scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Setup seeds the store before the trace starts. Only document writes
	// are allowed and they are not recorded.
	Setup []Step `yaml:"setup,omitempty"`

	// Steps is the recorded flow.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Insert      *DocStep       `yaml:"insert,omitempty"`
	Update      *DocStep       `yaml:"update,omitempty"`
	Delete      *DocStep       `yaml:"delete,omitempty"`
	Subscribe   *SubscribeStep `yaml:"subscribe,omitempty"`
	Unsubscribe *SubStep       `yaml:"unsubscribe,omitempty"`
	Disconnect  *ConnStep      `yaml:"disconnect,omitempty"`
	Wait        *WaitStep      `yaml:"wait,omitempty"`
}

// DocStep writes one document.
type DocStep struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Body       map[string]any `yaml:"body,omitempty"`
}

// SubscribeStep sends a subscribe message on a connection.
type SubscribeStep struct {
	Conn string `yaml:"conn"`
	Sub  int    `yaml:"sub"`
	Func string `yaml:"func"`
	User string `yaml:"user,omitempty"`
	Args []any  `yaml:"args,omitempty"`
}

// SubStep sends an unsubscribe message on a connection.
type SubStep struct {
	Conn string `yaml:"conn"`
	Sub  int    `yaml:"sub"`
}

// ConnStep names a connection.
type ConnStep struct {
	Conn string `yaml:"conn"`
}

// WaitStep waits for Messages pushes across all connections.
type WaitStep struct {
	Messages int `yaml:"messages"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of message_contains, message_order, message_count or
	// final_state.
	Type string `yaml:"type"`

	// Conn restricts message assertions to one connection.
	Conn string `yaml:"conn,omitempty"`

	// Message is the expected server message (message_contains).
	Message []any `yaml:"message,omitempty"`

	// Kinds are the expected server message kinds in order (message_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Kind and Count are used by message_count.
	Kind  string `yaml:"kind,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Entries, Subscriptions and Observers are used by final_state. Unset
	// fields are not checked.
	Entries       *int           `yaml:"entries,omitempty"`
	Subscriptions map[string]int `yaml:"subscriptions,omitempty"`
	Observers     map[string]int `yaml:"observers,omitempty"`
}

// Assertion type constants.
const (
	AssertMessageContains = "message_contains"
	AssertMessageOrder    = "message_order"
	AssertMessageCount    = "message_count"
	AssertFinalState      = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if step.Insert == nil || step.count() != 1 {
			return fmt.Errorf("setup[%d]: only insert steps are allowed", i)
		}
		if err := step.Insert.validate(); err != nil {
			return fmt.Errorf("setup[%d].insert: %w", i, err)
		}
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) count() int {
	n := 0
	for _, set := range []bool{
		s.Insert != nil, s.Update != nil, s.Delete != nil,
		s.Subscribe != nil, s.Unsubscribe != nil, s.Disconnect != nil, s.Wait != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (s Step) validate() error {
	if n := s.count(); n != 1 {
		return fmt.Errorf("exactly one step type must be set, got %d", n)
	}
	switch {
	case s.Insert != nil:
		return s.Insert.validate()
	case s.Update != nil:
		return s.Update.validate()
	case s.Delete != nil:
		return s.Delete.validate()
	case s.Subscribe != nil:
		if s.Subscribe.Conn == "" {
			return fmt.Errorf("subscribe: conn is required")
		}
		if s.Subscribe.Func == "" {
			return fmt.Errorf("subscribe: func is required")
		}
	case s.Unsubscribe != nil:
		if s.Unsubscribe.Conn == "" {
			return fmt.Errorf("unsubscribe: conn is required")
		}
	case s.Disconnect != nil:
		if s.Disconnect.Conn == "" {
			return fmt.Errorf("disconnect: conn is required")
		}
	case s.Wait != nil:
		if s.Wait.Messages < 0 {
			return fmt.Errorf("wait: messages must be non-negative")
		}
	}
	return nil
}

func (d *DocStep) validate() error {
	if d.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertMessageContains:
		if len(a.Message) == 0 {
			return fmt.Errorf("assertions[%d]: message is required for message_contains", index)
		}
	case AssertMessageOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for message_order", index)
		}
	case AssertMessageCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for message_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for message_count", index)
		}
	case AssertFinalState:
		if a.Entries == nil && len(a.Subscriptions) == 0 && len(a.Observers) == 0 {
			return fmt.Errorf("assertions[%d]: final_state needs entries, subscriptions or observers", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
