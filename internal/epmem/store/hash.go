package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// ValueKind is the type tag stored for each hashed constant.
type ValueKind int

const (
	StringValue ValueKind = iota + 1
	IntValue
	FloatValue
)

func (k ValueKind) table() string {
	switch k {
	case IntValue:
		return "epmem_symbols_integer"
	case FloatValue:
		return "epmem_symbols_float"
	}
	return "epmem_symbols_string"
}

// Value is a constant as the temporal hash sees it.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
}

func (v Value) arg() any {
	switch v.Kind {
	case IntValue:
		return v.Int
	case FloatValue:
		return v.Float
	}
	return v.Str
}

func (v Value) String() string {
	switch v.Kind {
	case IntValue:
		return strconv.FormatInt(v.Int, 10)
	case FloatValue:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return v.Str
}

// Hash returns the id of v, assigning one on first sight.
func (s *Store) Hash(v Value) (int64, error) {
	id, ok, err := s.Lookup(v)
	if err != nil || ok {
		return id, err
	}
	defer s.timer("hash")()

	res, err := s.exec(`INSERT INTO epmem_symbols_type (symbol_type) VALUES (?)`, int(v.Kind))
	if err != nil {
		return 0, fmt.Errorf("failed to add symbol type: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	if _, err := s.exec(fmt.Sprintf(`INSERT INTO %s (s_id, symbol_value) VALUES (?, ?)`, v.Kind.table()), id, v.arg()); err != nil {
		return 0, fmt.Errorf("failed to add symbol value: %w", err)
	}
	s.hashes[v] = id
	s.symbols[id] = v
	return id, nil
}

// Lookup returns the id of v without assigning one.
func (s *Store) Lookup(v Value) (int64, bool, error) {
	if id, ok := s.hashes[v]; ok {
		return id, true, nil
	}
	if v.Kind < StringValue || v.Kind > FloatValue {
		return 0, false, fmt.Errorf("cannot hash value of kind %d", v.Kind)
	}
	defer s.timer("hash")()

	row, err := s.queryRow(fmt.Sprintf(`SELECT s_id FROM %s WHERE symbol_value = ?`, v.Kind.table()), v.arg())
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to look up symbol: %w", err)
	}
	s.hashes[v] = id
	s.symbols[id] = v
	return id, true, nil
}

// Reverse returns the value hashed to id. An id with no value row means the
// store is corrupt.
func (s *Store) Reverse(id int64) (Value, error) {
	if v, ok := s.symbols[id]; ok {
		return v, nil
	}
	row, err := s.queryRow(`SELECT symbol_type FROM epmem_symbols_type WHERE s_id = ?`, id)
	if err != nil {
		return Value{}, err
	}
	var kind int
	if err := row.Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Value{}, fmt.Errorf("%w: symbol %d has no type row", ErrCorrupt, id)
		}
		return Value{}, err
	}

	v := Value{Kind: ValueKind(kind)}
	if v.Kind < StringValue || v.Kind > FloatValue {
		return Value{}, fmt.Errorf("%w: symbol %d has unknown type %d", ErrCorrupt, id, kind)
	}
	row, err = s.queryRow(fmt.Sprintf(`SELECT symbol_value FROM %s WHERE s_id = ?`, v.Kind.table()), id)
	if err != nil {
		return Value{}, err
	}
	var dest any
	switch v.Kind {
	case IntValue:
		dest = &v.Int
	case FloatValue:
		dest = &v.Float
	default:
		dest = &v.Str
	}
	if err := row.Scan(dest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Value{}, fmt.Errorf("%w: symbol %d has no value row", ErrCorrupt, id)
		}
		return Value{}, err
	}

	s.hashes[v] = id
	s.symbols[id] = v
	return v, nil
}
