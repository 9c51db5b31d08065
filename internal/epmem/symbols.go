package epmem

import (
	"fmt"
	"unicode"

	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/wm"
)

func valueOf(sym wm.Symbol) (store.Value, error) {
	switch sym.Kind {
	case wm.KindString:
		return store.Value{Kind: store.StringValue, Str: sym.Str}, nil
	case wm.KindInt:
		return store.Value{Kind: store.IntValue, Int: sym.Int}, nil
	case wm.KindFloat:
		return store.Value{Kind: store.FloatValue, Float: sym.Float}, nil
	}
	return store.Value{}, fmt.Errorf("%s is not a constant", sym)
}

func symbolOf(v store.Value) wm.Symbol {
	switch v.Kind {
	case store.IntValue:
		return wm.Int(v.Int)
	case store.FloatValue:
		return wm.Float(v.Float)
	}
	return wm.String(v.Str)
}

// hash returns the temporal hash id of a constant, assigning one if needed.
func (e *Engine) hash(sym wm.Symbol) (int64, error) {
	v, err := valueOf(sym)
	if err != nil {
		return 0, err
	}
	return e.store.Hash(v)
}

// lookup is hash without assignment. Constants that were never recorded
// cannot match anything.
func (e *Engine) lookup(sym wm.Symbol) (int64, bool, error) {
	v, err := valueOf(sym)
	if err != nil {
		return 0, false, err
	}
	return e.store.Lookup(v)
}

func (e *Engine) reverse(id int64) (wm.Symbol, error) {
	v, err := e.store.Reverse(id)
	if err != nil {
		return wm.Symbol{}, err
	}
	return symbolOf(v), nil
}

// letterFor picks the letter of an identifier installed under attr.
func letterFor(attr wm.Symbol) byte {
	if attr.Kind == wm.KindString && attr.Str != "" {
		r := unicode.ToUpper(rune(attr.Str[0]))
		if r >= 'A' && r <= 'Z' {
			return byte(r)
		}
	}
	return 'I'
}

// excluded reports whether w is kept out of episodes.
func (e *Engine) excluded(w *wm.WME) bool {
	if w.Attr.Kind != wm.KindString {
		return w.Attr.IsIdentifier()
	}
	return w.Attr.Str == "epmem" || e.cfg.Excluded(w.Attr.Str)
}
