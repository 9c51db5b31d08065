package store

import (
	"database/sql"
	"errors"
	"fmt"
)

type varKey int

const (
	varRITOffsetNode varKey = iota
	varRITLeftRootNode
	varRITRightRootNode
	varRITMinStepNode
	varRITOffsetEdge
	varRITLeftRootEdge
	varRITRightRootEdge
	varRITMinStepEdge
	varNextNodeID
)

func ritVars(kind OwnerKind) [4]varKey {
	if kind == Edge {
		return [4]varKey{varRITOffsetEdge, varRITLeftRootEdge, varRITRightRootEdge, varRITMinStepEdge}
	}
	return [4]varKey{varRITOffsetNode, varRITLeftRootNode, varRITRightRootNode, varRITMinStepNode}
}

func (s *Store) getVar(k varKey, def int64) (int64, error) {
	row, err := s.queryRow(`SELECT var_val FROM epmem_vars WHERE var_id = ?`, int(k))
	if err != nil {
		return 0, err
	}
	var v int64
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, nil
		}
		return 0, fmt.Errorf("failed to read var %d: %w", k, err)
	}
	return v, nil
}

func (s *Store) setVar(k varKey, v int64) error {
	if _, err := s.exec(`INSERT OR REPLACE INTO epmem_vars (var_id, var_val) VALUES (?, ?)`, int(k), v); err != nil {
		return fmt.Errorf("failed to write var %d: %w", k, err)
	}
	return nil
}

// loadVars refreshes the in-memory counters from the vars table.
func (s *Store) loadVars() error {
	for _, kind := range []OwnerKind{Node, Edge} {
		keys := ritVars(kind)
		def := newRITState()
		defs := [4]int64{def.Offset, def.LeftRoot, def.RightRoot, def.MinStep}
		var vals [4]int64
		for i, k := range keys {
			v, err := s.getVar(k, defs[i])
			if err != nil {
				return err
			}
			vals[i] = v
		}
		s.rits[kind] = ritState{Offset: vals[0], LeftRoot: vals[1], RightRoot: vals[2], MinStep: vals[3]}
	}
	next, err := s.getVar(varNextNodeID, RootNode+1)
	if err != nil {
		return err
	}
	s.nextID = next
	return nil
}

func (s *Store) saveRIT(kind OwnerKind) error {
	r := s.rits[kind]
	keys := ritVars(kind)
	for i, v := range [4]int64{r.Offset, r.LeftRoot, r.RightRoot, r.MinStep} {
		if err := s.setVar(keys[i], v); err != nil {
			return err
		}
	}
	return nil
}
