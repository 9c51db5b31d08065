package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// FindConstant returns the id of the constant WME (parent ^attr value).
func (s *Store) FindConstant(parent, attr, value int64) (int64, bool, error) {
	row, err := s.queryRow(`SELECT wc_id FROM epmem_wmes_constant WHERE parent_n_id = ? AND attribute_s_id = ? AND value_s_id = ?`, parent, attr, value)
	if err != nil {
		return 0, false, err
	}
	return scanID(row)
}

// AddConstant records a new constant WME identity.
func (s *Store) AddConstant(parent, attr, value int64) (int64, error) {
	res, err := s.exec(`INSERT INTO epmem_wmes_constant (parent_n_id, attribute_s_id, value_s_id) VALUES (?, ?, ?)`, parent, attr, value)
	if err != nil {
		return 0, fmt.Errorf("failed to add constant wme: %w", err)
	}
	return res.LastInsertId()
}

// FindIdentifier returns the id of the identifier WME (parent ^attr child).
func (s *Store) FindIdentifier(parent, attr, child int64) (int64, bool, error) {
	row, err := s.queryRow(`SELECT wi_id FROM epmem_wmes_identifier WHERE parent_n_id = ? AND attribute_s_id = ? AND child_n_id = ?`, parent, attr, child)
	if err != nil {
		return 0, false, err
	}
	return scanID(row)
}

// AddIdentifier records a new identifier WME identity. It is created open:
// its last episode is MaxTime until the first interval closes.
func (s *Store) AddIdentifier(parent, attr, child int64) (int64, error) {
	res, err := s.exec(`INSERT INTO epmem_wmes_identifier (parent_n_id, attribute_s_id, child_n_id, last_episode_id) VALUES (?, ?, ?, ?)`, parent, attr, child, MaxTime)
	if err != nil {
		return 0, fmt.Errorf("failed to add identifier wme: %w", err)
	}
	return res.LastInsertId()
}

// Child is one recorded identifier WME under a (parent, attribute) pair.
type Child struct {
	Node int64
	Edge int64
	LTI  int64
}

// IdentifierChildren lists the recorded children of (parent ^attr), lowest
// node id first.
func (s *Store) IdentifierChildren(parent, attr int64) ([]Child, error) {
	rows, err := s.query(`SELECT f.child_n_id, f.wi_id, n.lti_id FROM epmem_wmes_identifier f JOIN epmem_nodes n ON n.n_id = f.child_n_id WHERE f.parent_n_id = ? AND f.attribute_s_id = ? ORDER BY f.child_n_id ASC`, parent, attr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Child
	for rows.Next() {
		var c Child
		if err := rows.Scan(&c.Node, &c.Edge, &c.LTI); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AllocateNode reserves the next node id and records it with its long-term
// identity (0 for none).
func (s *Store) AllocateNode(lti int64) (int64, error) {
	id := s.nextID
	if _, err := s.exec(`INSERT INTO epmem_nodes (n_id, lti_id) VALUES (?, ?)`, id, lti); err != nil {
		return 0, fmt.Errorf("failed to add node: %w", err)
	}
	if err := s.setVar(varNextNodeID, id+1); err != nil {
		return 0, err
	}
	s.nextID = id + 1
	return id, nil
}

// SetNodeLTI updates the long-term identity of a node.
func (s *Store) SetNodeLTI(node, lti int64) error {
	_, err := s.exec(`UPDATE epmem_nodes SET lti_id = ? WHERE n_id = ?`, lti, node)
	return err
}

// NodeLTI returns the long-term identity of a node.
func (s *Store) NodeLTI(node int64) (int64, error) {
	row, err := s.queryRow(`SELECT lti_id FROM epmem_nodes WHERE n_id = ?`, node)
	if err != nil {
		return 0, err
	}
	var lti int64
	if err := row.Scan(&lti); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: node %d not recorded", ErrCorrupt, node)
		}
		return 0, err
	}
	return lti, nil
}

// NextNodeID returns the id the next AllocateNode will hand out.
func (s *Store) NextNodeID() int64 { return s.nextID }

func scanID(row *sql.Row) (int64, bool, error) {
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}
