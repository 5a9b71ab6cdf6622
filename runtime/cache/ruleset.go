package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Op is an entity write operation that can trigger invalidation rules.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// rulesetSchema validates invalidation manifests before any rule runs. A
// manifest that fails validation never half-loads.
const rulesetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "rules"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["entity", "operations"],
        "properties": {
          "entity": {"type": "string", "minLength": 1},
          "operations": {
            "type": "array",
            "minItems": 1,
            "items": {"enum": ["create", "update", "delete"]}
          },
          "patterns": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "tags": {"type": "array", "items": {"type": "string", "minLength": 1}}
        },
        "anyOf": [
          {"required": ["patterns"]},
          {"required": ["tags"]}
        ],
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

type (
	// Rule invalidates the listed patterns and tags when one of its
	// operations touches its entity. Patterns and tags may carry {id} and
	// {orgId} placeholders expanded from the write's variables.
	Rule struct {
		Entity     string   `yaml:"entity" json:"entity"`
		Operations []Op     `yaml:"operations" json:"operations"`
		Patterns   []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
		Tags       []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	}

	// Manifest is the YAML document shape rulesets load from.
	Manifest struct {
		Version int    `yaml:"version" json:"version"`
		Rules   []Rule `yaml:"rules" json:"rules"`
	}

	// Ruleset is a validated, entity-indexed rule collection.
	Ruleset struct {
		version int
		byEnt   map[string][]Rule
	}
)

// LoadRuleset parses and validates a YAML manifest. Invalid manifests fail
// fast with an error matching ErrInvalidArgument.
func LoadRuleset(data []byte) (*Ruleset, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: ruleset manifest: %v", ErrInvalidArgument, err)
	}
	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: ruleset manifest: %v", ErrInvalidArgument, err)
	}
	schema, err := compileRulesetSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: ruleset manifest: %v", ErrInvalidArgument, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: ruleset manifest: %v", ErrInvalidArgument, err)
	}
	rs := &Ruleset{version: m.Version, byEnt: make(map[string][]Rule, len(m.Rules))}
	for _, r := range m.Rules {
		rs.byEnt[r.Entity] = append(rs.byEnt[r.Entity], r)
	}
	return rs, nil
}

// Version returns the manifest version.
func (r *Ruleset) Version() int { return r.version }

// Entities returns the entities the ruleset covers.
func (r *Ruleset) Entities() []string {
	out := make([]string, 0, len(r.byEnt))
	for e := range r.byEnt {
		out = append(out, e)
	}
	return out
}

// RulesFor returns the rules that fire when op touches entity.
func (r *Ruleset) RulesFor(entity string, op Op) []Rule {
	var out []Rule
	for _, rule := range r.byEnt[entity] {
		for _, o := range rule.Operations {
			if o == op {
				out = append(out, rule)
				break
			}
		}
	}
	return out
}

func compileRulesetSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(rulesetSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal ruleset schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ruleset.json", doc); err != nil {
		return nil, fmt.Errorf("add ruleset schema resource: %w", err)
	}
	schema, err := c.Compile("ruleset.json")
	if err != nil {
		return nil, fmt.Errorf("compile ruleset schema: %w", err)
	}
	return schema, nil
}

// toJSONValue round-trips a YAML-decoded value through JSON so the schema
// validator sees canonical types.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// expandPattern substitutes {name} placeholders from vars. When any
// placeholder stays unresolved the whole expansion falls back to the
// pattern's literal prefix up to its first '{'; resolved reports whether
// every placeholder was substituted.
func expandPattern(pattern string, vars map[string]string) (expanded string, resolved bool) {
	expanded = pattern
	for name, val := range vars {
		if val != "" {
			expanded = strings.ReplaceAll(expanded, "{"+name+"}", val)
		}
	}
	if strings.IndexByte(expanded, '{') < 0 {
		return expanded, true
	}
	return pattern[:strings.IndexByte(pattern, '{')], false
}
