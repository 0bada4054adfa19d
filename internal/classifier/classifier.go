// Package classifier maps inbound action descriptors (path + method) to
// governance categories using an ordered pattern table. The first
// matching entry wins, so more specific patterns must be declared
// before general ones.
package classifier

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// Mapping is one entry of the category table.
type Mapping struct {
	Pattern  *regexp.Regexp
	Method   string
	Category string
}

// MappingSpec is the unvalidated form of a Mapping, for tables supplied
// by configuration.
type MappingSpec struct {
	Pattern  string `yaml:"pattern" mapstructure:"pattern"`
	Method   string `yaml:"method" mapstructure:"method"`
	Category string `yaml:"category" mapstructure:"category"`
}

// Classifier holds a compiled, ordered category table.
type Classifier struct {
	table []Mapping
}

// Compile validates a spec table into an ordered Mapping list. A bad
// pattern is a configuration error and fails startup.
func Compile(specs []MappingSpec) ([]Mapping, error) {
	table := make([]Mapping, 0, len(specs))
	for _, s := range specs {
		if s.Method == "" || s.Category == "" {
			return nil, eris.Errorf("classifier: entry %q: method and category are required", s.Pattern)
		}
		re, err := regexp.Compile("(?i)^(?:" + s.Pattern + ")")
		if err != nil {
			return nil, eris.Wrapf(err, "classifier: compile pattern %q", s.Pattern)
		}
		table = append(table, Mapping{Pattern: re, Method: strings.ToUpper(s.Method), Category: s.Category})
	}
	return table, nil
}

// New builds a Classifier over the given table. Pass Default() for the
// built-in table.
func New(table []Mapping) *Classifier {
	return &Classifier{table: table}
}

// Classify returns the category of the first entry whose method matches
// exactly and whose pattern matches the path. The second return is
// false when no entry matches, meaning no governance applies.
func (c *Classifier) Classify(path, method string) (string, bool) {
	method = strings.ToUpper(method)
	for _, m := range c.table {
		if m.Method == method && m.Pattern.MatchString(path) {
			return m.Category, true
		}
	}
	return "", false
}

// defaultSpecs is the built-in action category table. Order is
// significant: specific patterns (identity, boundary and evolution
// modification) come before the catch-all deletion entry.
var defaultSpecs = []MappingSpec{
	// Email and outbound communication
	{Pattern: `/api/.*email.*`, Method: "POST", Category: "email"},
	{Pattern: `/api/.*send.*`, Method: "POST", Category: "communication"},

	// Financial actions
	{Pattern: `/api/.*payment.*`, Method: "POST", Category: "financial"},
	{Pattern: `/api/.*purchase.*`, Method: "POST", Category: "financial"},
	{Pattern: `/api/.*stripe.*`, Method: "POST", Category: "financial"},

	// Self-modification
	{Pattern: `/api/brain/identity.*`, Method: "PUT", Category: "identity_modification"},
	{Pattern: `/api/brain/identity.*`, Method: "POST", Category: "identity_modification"},
	{Pattern: `/api/brain/boundaries.*`, Method: "PUT", Category: "boundary_modification"},
	{Pattern: `/api/brain/boundaries.*`, Method: "POST", Category: "boundary_modification"},
	{Pattern: `/api/brain/boundaries.*`, Method: "DELETE", Category: "boundary_modification"},

	// Evolution: the apply pattern is more specific, so it comes first.
	{Pattern: `/api/.*evolution/.*/apply`, Method: "POST", Category: "evolution_apply"},
	{Pattern: `/api/.*evolution.*`, Method: "POST", Category: "evolution"},

	// Workflow execution
	{Pattern: `/api/workflows/.*/execute`, Method: "POST", Category: "workflow_execution"},

	// External API calls
	{Pattern: `/api/manus.*`, Method: "POST", Category: "external_api"},
	{Pattern: `/api/notion.*`, Method: "POST", Category: "external_api"},

	// Generic deletion, last so specific DELETE patterns win.
	{Pattern: `/api/.*`, Method: "DELETE", Category: "data_deletion"},
}

// Default returns the built-in table. The patterns are static, so a
// compile failure here is a programming error.
func Default() []Mapping {
	table, err := Compile(defaultSpecs)
	if err != nil {
		panic(err)
	}
	return table
}
