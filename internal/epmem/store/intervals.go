package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Representation is how an interval is physically stored.
type Representation int

const (
	Now   Representation = iota // open: started, not yet ended
	Point                       // existed for exactly one episode
	Range                       // closed, indexed by the interval tree
)

// Representations lists every representation.
var Representations = []Representation{Now, Point, Range}

func (r Representation) String() string {
	switch r {
	case Point:
		return "point"
	case Range:
		return "range"
	}
	return "now"
}

func (r Representation) table(kind OwnerKind) string {
	return kind.table() + "_" + r.String()
}

// startColumn is the column holding the first episode of the interval.
func (r Representation) startColumn() string {
	if r == Point {
		return "episode_id"
	}
	return "start_episode_id"
}

// Interval is one stored validity interval. End is MaxTime while open.
type Interval struct {
	Start int64
	End   int64
	LTI   int64
	Rep   Representation
}

// OpenInterval is the start and long-term identity of a still-open interval.
type OpenInterval struct {
	Start int64
	LTI   int64
}

// OpenInterval starts a new open interval for owner at episode start.
func (s *Store) OpenInterval(kind OwnerKind, owner, start, lti int64) error {
	var err error
	if kind == Edge {
		_, err = s.exec(`INSERT INTO epmem_wmes_identifier_now (wi_id, start_episode_id, lti_id) VALUES (?, ?, ?)`, owner, start, lti)
		if err == nil {
			_, err = s.exec(`UPDATE epmem_wmes_identifier SET last_episode_id = ? WHERE wi_id = ?`, MaxTime, owner)
		}
	} else {
		_, err = s.exec(`INSERT INTO epmem_wmes_constant_now (wc_id, start_episode_id) VALUES (?, ?)`, owner, start)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s interval %d@%d: %w", kind, owner, start, err)
	}
	return nil
}

// CloseInterval ends the open interval of owner at episode end, storing it as
// a point when it began at end and as a range otherwise.
func (s *Store) CloseInterval(kind OwnerKind, owner, end int64) error {
	now := Now.table(kind)
	id := kind.idColumn()
	ltiCol := "0"
	if kind == Edge {
		ltiCol = "lti_id"
	}
	row, err := s.queryRow(fmt.Sprintf(`SELECT start_episode_id, %s FROM %s WHERE %s = ?`, ltiCol, now, id), owner)
	if err != nil {
		return err
	}
	var start, lti int64
	if err := row.Scan(&start, &lti); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %d has no open interval", kind, owner)
		}
		return err
	}
	if end < start {
		return fmt.Errorf("%s %d: cannot close interval starting at %d before it at %d", kind, owner, start, end)
	}

	if _, err := s.exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, now, id), owner); err != nil {
		return err
	}

	switch {
	case start == end && kind == Edge:
		_, err = s.exec(`INSERT INTO epmem_wmes_identifier_point (wi_id, episode_id, lti_id) VALUES (?, ?, ?)`, owner, end, lti)
	case start == end:
		_, err = s.exec(`INSERT INTO epmem_wmes_constant_point (wc_id, episode_id) VALUES (?, ?)`, owner, end)
	default:
		var node int64
		if node, err = s.ritInsert(kind, start, end); err != nil {
			return err
		}
		if kind == Edge {
			_, err = s.exec(`INSERT INTO epmem_wmes_identifier_range (rit_id, start_episode_id, end_episode_id, wi_id, lti_id) VALUES (?, ?, ?, ?, ?)`, node, start, end, owner, lti)
		} else {
			_, err = s.exec(`INSERT INTO epmem_wmes_constant_range (rit_id, start_episode_id, end_episode_id, wc_id) VALUES (?, ?, ?, ?)`, node, start, end, owner)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to close %s interval %d: %w", kind, owner, err)
	}

	if kind == Edge {
		if _, err := s.exec(`UPDATE epmem_wmes_identifier SET last_episode_id = ? WHERE wi_id = ?`, end, owner); err != nil {
			return err
		}
	}
	return nil
}

// OpenIntervals returns every open interval of kind keyed by owner.
func (s *Store) OpenIntervals(kind OwnerKind) (map[int64]OpenInterval, error) {
	ltiCol := "0"
	if kind == Edge {
		ltiCol = "lti_id"
	}
	rows, err := s.query(fmt.Sprintf(`SELECT %s, start_episode_id, %s FROM %s`, kind.idColumn(), ltiCol, Now.table(kind)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]OpenInterval)
	for rows.Next() {
		var owner int64
		var oi OpenInterval
		if err := rows.Scan(&owner, &oi.Start, &oi.LTI); err != nil {
			return nil, err
		}
		out[owner] = oi
	}
	return out, rows.Err()
}

// Intervals returns every interval stored for owner, ordered by start.
func (s *Store) Intervals(kind OwnerKind, owner int64) ([]Interval, error) {
	ltiCol := "0"
	if kind == Edge {
		ltiCol = "lti_id"
	}
	id := kind.idColumn()
	var out []Interval
	queries := map[Representation]string{
		Now:   fmt.Sprintf(`SELECT start_episode_id, %d, %s FROM %s WHERE %s = ?`, MaxTime, ltiCol, Now.table(kind), id),
		Point: fmt.Sprintf(`SELECT episode_id, episode_id, %s FROM %s WHERE %s = ?`, ltiCol, Point.table(kind), id),
		Range: fmt.Sprintf(`SELECT start_episode_id, end_episode_id, %s FROM %s WHERE %s = ?`, ltiCol, Range.table(kind), id),
	}
	for _, rep := range Representations {
		rows, err := s.query(queries[rep], owner)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			iv := Interval{Rep: rep}
			if err := rows.Scan(&iv.Start, &iv.End, &iv.LTI); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, iv)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}
