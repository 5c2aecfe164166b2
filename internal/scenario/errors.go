package scenario

import (
	"fmt"
	"strings"
)

// Issue is one problem found while loading scenarios.
type Issue struct {
	Source   string `json:"source,omitempty"`
	Scenario string `json:"scenario,omitempty"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	if i.Source != "" {
		b.WriteString(i.Source)
		b.WriteString(": ")
	}
	if i.Scenario != "" {
		fmt.Fprintf(&b, "scenario %q: ", i.Scenario)
	}
	b.WriteString(i.Message)
	return b.String()
}

// ConfigError collects every issue found while loading a catalog.
type ConfigError struct {
	Issues []Issue `json:"issues"`
}

func (e *ConfigError) Error() string {
	if len(e.Issues) == 1 {
		return "invalid scenarios: " + e.Issues[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid scenarios: %d issues", len(e.Issues))
	for _, i := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(i.String())
	}
	return b.String()
}

func (e *ConfigError) add(source, id, format string, args ...interface{}) {
	e.Issues = append(e.Issues, Issue{Source: source, Scenario: id, Message: fmt.Sprintf(format, args...)})
}

func (e *ConfigError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
