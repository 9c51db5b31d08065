package store

import (
	"fmt"

	"github.com/vthunder/epmem/internal/epmem/pq"
)

// EdgeRow is one candidate WME for a (parent, attribute[, child]) pattern.
// Time is the last episode the WME could have been present in.
type EdgeRow struct {
	ID    int64
	Child int64
	Time  int64
}

// EdgeCursor yields the WMEs of kind under (parent ^attr child), most recently
// present first. child may be Wildcard. Identifier WMEs last present at or
// before after are skipped; constant WMEs all report MaxTime.
func (s *Store) EdgeCursor(kind OwnerKind, parent, attr, child, after int64) pq.Cursor[EdgeRow] {
	if kind == Edge {
		query := `SELECT wi_id, child_n_id, last_episode_id FROM epmem_wmes_identifier
			WHERE parent_n_id = ? AND attribute_s_id = ? %s AND last_episode_id > ?
			AND (last_episode_id < ? OR (last_episode_id = ? AND wi_id < ?))
			ORDER BY last_episode_id DESC, wi_id DESC LIMIT ?`
		return pq.NewPaged[EdgeRow](s.opts.RowPage, func(last *EdgeRow, limit int) ([]EdgeRow, error) {
			lastTime, lastID := MaxTime, MaxTime
			if last != nil {
				lastTime, lastID = last.Time, last.ID
			}
			args := []any{parent, attr}
			filter := ""
			if child != Wildcard {
				filter = "AND child_n_id = ?"
				args = append(args, child)
			}
			args = append(args, after, lastTime, lastTime, lastID, limit)
			return s.edgeRows(fmt.Sprintf(query, filter), args, false)
		})
	}

	query := `SELECT wc_id, value_s_id FROM epmem_wmes_constant
		WHERE parent_n_id = ? AND attribute_s_id = ? %s AND wc_id < ?
		ORDER BY wc_id DESC LIMIT ?`
	return pq.NewPaged[EdgeRow](s.opts.RowPage, func(last *EdgeRow, limit int) ([]EdgeRow, error) {
		lastID := MaxTime
		if last != nil {
			lastID = last.ID
		}
		args := []any{parent, attr}
		filter := ""
		if child != Wildcard {
			filter = "AND value_s_id = ?"
			args = append(args, child)
		}
		args = append(args, lastID, limit)
		return s.edgeRows(fmt.Sprintf(query, filter), args, true)
	})
}

func (s *Store) edgeRows(query string, args []any, constant bool) ([]EdgeRow, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EdgeRow
	for rows.Next() {
		var r EdgeRow
		if constant {
			err = rows.Scan(&r.ID, &r.Child)
			r.Time = MaxTime
		} else {
			err = rows.Scan(&r.ID, &r.Child, &r.Time)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// intervalSQL builds the endpoint query for one representation of one
// owner kind: the selected episode column, latest first, among intervals
// that began at or before the bound.
func intervalSQL(kind OwnerKind, rep Representation, end bool) string {
	col := rep.startColumn()
	if rep == Range && end {
		col = "end_episode_id"
	}
	return fmt.Sprintf(`SELECT %[1]s FROM %[2]s WHERE %[3]s = ? AND %[4]s <= ? AND %[1]s < ? ORDER BY %[1]s DESC LIMIT ?`,
		col, rep.table(kind), kind.idColumn(), rep.startColumn())
}

// eventTime converts a stored episode into the sweep time of an endpoint.
// Sweeping backward, an interval is entered at its end and left just before
// its start; an open interval is entered at the bound itself.
func eventTime(rep Representation, end bool, episode, current int64) int64 {
	switch {
	case !end:
		return episode - 1
	case rep == Now:
		return current
	}
	return episode
}

// IntervalCursor yields the sweep times of one endpoint kind for owner's
// intervals of representation rep that began at or before current, latest
// first.
func (s *Store) IntervalCursor(kind OwnerKind, rep Representation, end bool, owner, current int64) pq.Cursor[int64] {
	query := intervalSQL(kind, rep, end)
	type row struct{ episode, time int64 }
	inner := pq.NewPaged[row](s.opts.RowPage, func(last *row, limit int) ([]row, error) {
		bound := MaxTime
		if last != nil {
			bound = last.episode
		}
		rows, err := s.query(query, owner, current, bound, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.episode); err != nil {
				return nil, err
			}
			r.time = eventTime(rep, end, r.episode, current)
			out = append(out, r)
		}
		return out, rows.Err()
	})
	return &mapCursor[row, int64]{inner: inner, fn: func(r row) int64 { return r.time }}
}

type mapCursor[A, B any] struct {
	inner pq.Cursor[A]
	fn    func(A) B
}

func (c *mapCursor[A, B]) Next() bool   { return c.inner.Next() }
func (c *mapCursor[A, B]) Value() B     { return c.fn(c.inner.Value()) }
func (c *mapCursor[A, B]) Err() error   { return c.inner.Err() }
func (c *mapCursor[A, B]) Close() error { return c.inner.Close() }
