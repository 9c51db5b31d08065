package store

import "fmt"

// EdgeRecord is a WME valid at some episode. For constants Child is the
// value's hash id and LTI is 0.
type EdgeRecord struct {
	Parent int64
	Attr   int64
	Child  int64
	LTI    int64
}

const identifiersAt = `SELECT f.parent_n_id, f.attribute_s_id, f.child_n_id, v.lti_id
FROM epmem_wmes_identifier f INNER JOIN (
	SELECT wi_id, lti_id FROM epmem_wmes_identifier_now WHERE start_episode_id <= ?
	UNION ALL
	SELECT wi_id, lti_id FROM epmem_wmes_identifier_point WHERE episode_id = ?
	UNION ALL
	SELECT e.wi_id, e.lti_id FROM epmem_wmes_identifier_range e
		INNER JOIN rit_left_nodes lt ON e.rit_id BETWEEN lt.rit_min AND lt.rit_max AND e.end_episode_id >= ?
	UNION ALL
	SELECT e.wi_id, e.lti_id FROM epmem_wmes_identifier_range e
		INNER JOIN rit_right_nodes rt ON e.rit_id = rt.rit_id AND e.start_episode_id <= ?
) v ON v.wi_id = f.wi_id
ORDER BY f.parent_n_id ASC, f.child_n_id ASC, f.attribute_s_id ASC`

const constantsAt = `SELECT f.parent_n_id, f.attribute_s_id, f.value_s_id, 0
FROM epmem_wmes_constant f INNER JOIN (
	SELECT wc_id FROM epmem_wmes_constant_now WHERE start_episode_id <= ?
	UNION ALL
	SELECT wc_id FROM epmem_wmes_constant_point WHERE episode_id = ?
	UNION ALL
	SELECT e.wc_id FROM epmem_wmes_constant_range e
		INNER JOIN rit_left_nodes lt ON e.rit_id BETWEEN lt.rit_min AND lt.rit_max AND e.end_episode_id >= ?
	UNION ALL
	SELECT e.wc_id FROM epmem_wmes_constant_range e
		INNER JOIN rit_right_nodes rt ON e.rit_id = rt.rit_id AND e.start_episode_id <= ?
) v ON v.wc_id = f.wc_id
ORDER BY f.parent_n_id ASC, f.value_s_id ASC, f.attribute_s_id ASC`

// EdgesAt returns every WME of kind valid at episode, ordered by parent then
// child.
func (s *Store) EdgesAt(kind OwnerKind, episode int64) (out []EdgeRecord, err error) {
	if err := s.clearLeftRight(); err != nil {
		return nil, err
	}
	if err := s.prepLeftRight(kind, episode, episode); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.clearLeftRight(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	query := constantsAt
	if kind == Edge {
		query = identifiersAt
	}
	rows, err := s.query(query, episode, episode, episode, episode)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s wmes at %d: %w", kind, episode, err)
	}
	defer rows.Close()
	for rows.Next() {
		var r EdgeRecord
		if err := rows.Scan(&r.Parent, &r.Attr, &r.Child, &r.LTI); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
