package wm

import (
	"fmt"
	"strconv"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Element is one WME in a YAML snapshot or cue. Exactly one of Value (a
// constant, typed by its YAML scalar tag) or Ref (an identifier name) is set.
type Element struct {
	ID    string    `yaml:"id"`
	Attr  string    `yaml:"attr"`
	Value yaml.Node `yaml:"value"`
	Ref   string    `yaml:"ref"`
}

// Snapshot is a full top-state structure.
type Snapshot struct {
	WMEs []Element        `yaml:"wmes"`
	LTI  map[string]int64 `yaml:"lti"`
}

// Cue is a query pattern with an optional negative part.
type Cue struct {
	Query    []Element        `yaml:"query"`
	NegQuery []Element        `yaml:"neg-query"`
	LTI      map[string]int64 `yaml:"lti"`
}

// ParseSnapshot decodes a snapshot document.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &s, nil
}

// ParseCue decodes a cue document.
func ParseCue(data []byte) (*Cue, error) {
	var c Cue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cue: %w", err)
	}
	if len(c.Query) == 0 {
		return nil, fmt.Errorf("cue has no query elements")
	}
	return &c, nil
}

// Constant converts the element's scalar to a Symbol.
func (e Element) Constant() (Symbol, error) {
	n := e.Value
	if n.Kind != yaml.ScalarNode {
		return Symbol{}, fmt.Errorf("%s ^%s: value must be a scalar", e.ID, e.Attr)
	}
	switch n.Tag {
	case "!!int":
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return Symbol{}, fmt.Errorf("%s ^%s: %w", e.ID, e.Attr, err)
		}
		return Int(i), nil
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return Symbol{}, fmt.Errorf("%s ^%s: %w", e.ID, e.Attr, err)
		}
		return Float(f), nil
	}
	return String(n.Value), nil
}

// Build asserts elements into m. Identifier names resolve through scope;
// names not yet in scope get fresh identifiers (or the long-term identifier
// named in lti) and are added to it. It returns the identifier of the first
// element.
func (m *Memory) Build(elems []Element, lti map[string]int64, scope map[string]*Identifier) (*Identifier, error) {
	resolve := func(name string) (*Identifier, error) {
		if name == "" {
			return nil, fmt.Errorf("empty identifier name")
		}
		if id, ok := scope[name]; ok {
			return id, nil
		}
		var id *Identifier
		if n, ok := lti[name]; ok {
			id, _ = m.LongTermIdentifier(n)
		} else {
			id = m.NewIdentifier(byte(unicode.ToUpper(rune(name[0]))))
		}
		scope[name] = id
		return id, nil
	}

	var root *Identifier
	for i, e := range elems {
		if e.Attr == "" {
			return nil, fmt.Errorf("element %d: missing attr", i)
		}
		hasValue := e.Value.Kind != 0
		if hasValue == (e.Ref != "") {
			return nil, fmt.Errorf("element %d (%s ^%s): exactly one of value or ref is required", i, e.ID, e.Attr)
		}
		id, err := resolve(e.ID)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if root == nil {
			root = id
		}
		var v Symbol
		if hasValue {
			if v, err = e.Constant(); err != nil {
				return nil, err
			}
		} else {
			child, err := resolve(e.Ref)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			v = Ident(child)
		}
		m.Add(id, String(e.Attr), v)
	}
	return root, nil
}
