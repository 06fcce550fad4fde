package descriptor

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Value is one operand of a frame or a virtual object. It is written either
// as a scalar ("illegal", null, "null32") or as a mapping whose keys select
// the variant. An empty mapping is null as well:
//
//	{reg: 3, kind: long}              register
//	{stack: 16, kind: int, ref: true} stack slot, narrow reference
//	{int: 5} {long: 7} {float: 1.5} {double: 2.5} {raw: 9}
//	{object: 0x1000, class: Foo}      object constant
//	{metaspace: Foo}                  type or method constant
//	{virtual: 1, type: "[J", values: [...]}  virtual object, {virtual: 1} refers back
//	{owner: ..., lock: ..., eliminated: true}  monitor
type Value struct {
	Illegal bool `yaml:"-"`
	Null    bool `yaml:"-"`

	Reg          *int   `yaml:"reg,omitempty"`
	Stack        *int   `yaml:"stack,omitempty"`
	AddFrameSize bool   `yaml:"addFrameSize,omitempty"`
	Kind         string `yaml:"kind,omitempty"`
	Ref          bool   `yaml:"ref,omitempty"`

	Int    *int64   `yaml:"int,omitempty"`
	Long   *int64   `yaml:"long,omitempty"`
	Float  *float64 `yaml:"float,omitempty"`
	Double *float64 `yaml:"double,omitempty"`
	Raw    *int64   `yaml:"raw,omitempty"`

	Object     *uint64 `yaml:"object,omitempty"`
	Class      string  `yaml:"class,omitempty"`
	Metaspace  string  `yaml:"metaspace,omitempty"`
	Compressed bool    `yaml:"compressed,omitempty"`

	Virtual *int   `yaml:"virtual,omitempty"`
	Type    string `yaml:"type,omitempty"`
	Values  Values `yaml:"values,omitempty"`

	Owner      *Value `yaml:"owner,omitempty"`
	Lock       *Value `yaml:"lock,omitempty"`
	Eliminated bool   `yaml:"eliminated,omitempty"`
}

type valueFields Value

func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		switch n.Value {
		case "illegal":
			*v = Value{Illegal: true}
		case "null", "~", "":
			*v = Value{Null: true}
		case "null32":
			*v = Value{Null: true, Compressed: true}
		default:
			return fmt.Errorf("line %d: unknown value %q", n.Line, n.Value)
		}
		return nil
	}
	var f valueFields
	if err := n.Decode(&f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	switch {
	case v.Illegal:
		return "illegal", nil
	case v.Null && v.Compressed:
		return "null32", nil
	case v.Null:
		return "null", nil
	}
	return valueFields(v), nil
}

// Values is a list of values. A null entry stays in place as a null value;
// the decoder would otherwise drop it before Value sees it.
type Values []Value

func (vs *Values) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list of values", n.Line)
	}
	out := make(Values, len(n.Content))
	for i, item := range n.Content {
		if item.Kind == yaml.AliasNode {
			item = item.Alias
		}
		if item.Kind == yaml.ScalarNode && item.ShortTag() == "!!null" {
			out[i] = Value{Null: true}
			continue
		}
		if err := out[i].UnmarshalYAML(item); err != nil {
			return err
		}
	}
	*vs = out
	return nil
}
