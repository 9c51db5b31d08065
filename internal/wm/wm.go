// Package wm models the working-memory graph the episodic store records from
// and installs into: identifiers, constant symbols, and the WMEs that link
// them.
package wm

import (
	"fmt"
	"strconv"
)

// Kind tags the variant held by a Symbol.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindIdentifier
)

// Identifier is an opaque graph node. LTI is non-zero for long-term
// identifiers.
type Identifier struct {
	Letter byte
	Number uint64
	LTI    int64
}

func (id *Identifier) String() string {
	if id == nil {
		return "<nil>"
	}
	if id.LTI != 0 {
		return fmt.Sprintf("%c%d(@%d)", id.Letter, id.Number, id.LTI)
	}
	return fmt.Sprintf("%c%d", id.Letter, id.Number)
}

// Symbol is a constant (string, int, float) or an identifier.
type Symbol struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	ID    *Identifier
}

func String(s string) Symbol         { return Symbol{Kind: KindString, Str: s} }
func Int(i int64) Symbol             { return Symbol{Kind: KindInt, Int: i} }
func Float(f float64) Symbol         { return Symbol{Kind: KindFloat, Float: f} }
func Ident(id *Identifier) Symbol    { return Symbol{Kind: KindIdentifier, ID: id} }
func (s Symbol) IsIdentifier() bool  { return s.Kind == KindIdentifier }
func (s Symbol) Equal(o Symbol) bool { return s == o }

func (s Symbol) String() string {
	switch s.Kind {
	case KindString:
		return s.Str
	case KindInt:
		return strconv.FormatInt(s.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(s.Float, 'g', -1, 64)
	case KindIdentifier:
		return s.ID.String()
	}
	return "<invalid>"
}

// WME is one working-memory element (id ^attr value). Timetag is unique per
// WME for the life of the host.
type WME struct {
	ID         *Identifier
	Attr       Symbol
	Value      Symbol
	Timetag    uint64
	Acceptable bool
}

func (w *WME) String() string {
	plus := ""
	if w.Acceptable {
		plus = " +"
	}
	return fmt.Sprintf("(%d: %s ^%s %s%s)", w.Timetag, w.ID, w.Attr, w.Value, plus)
}

// Triple is a WME without identity, as handed back to the host for assertion
// or retraction.
type Triple struct {
	ID    *Identifier
	Attr  Symbol
	Value Symbol
}

func (t Triple) String() string {
	return fmt.Sprintf("(%s ^%s %s)", t.ID, t.Attr, t.Value)
}

// Graph is what the episodic store needs from its host.
type Graph interface {
	// States returns the goal stack, top state first.
	States() []*Identifier
	// Augmentations lists the WMEs whose identifier is id.
	Augmentations(id *Identifier) []*WME
	// NewIdentifier creates a fresh identifier that is not yet linked anywhere.
	NewIdentifier(letter byte) *Identifier
	// LongTermIdentifier returns the identifier standing for lti. existing is
	// true when that identifier is already linked into working memory.
	LongTermIdentifier(lti int64) (id *Identifier, existing bool)
}

// Activations is implemented by hosts that track WME activation. Hosts that
// don't are treated as activation 1 everywhere.
type Activations interface {
	Activation(w *WME) float64
}
