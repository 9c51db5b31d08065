package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// AddEpisode records that episode id exists.
func (s *Store) AddEpisode(id int64) error {
	if _, err := s.exec(`INSERT INTO epmem_episodes (episode_id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("failed to add episode %d: %w", id, err)
	}
	return nil
}

// LastEpisode returns the highest recorded episode id, 0 when there is none.
func (s *Store) LastEpisode() (int64, error) {
	row, err := s.queryRow(`SELECT COALESCE(MAX(episode_id), 0) FROM epmem_episodes`)
	if err != nil {
		return 0, err
	}
	var id int64
	return id, row.Scan(&id)
}

// HasEpisode reports whether episode id was recorded.
func (s *Store) HasEpisode(id int64) (bool, error) {
	row, err := s.queryRow(`SELECT episode_id FROM epmem_episodes WHERE episode_id = ?`, id)
	if err != nil {
		return false, err
	}
	_, ok, err := scanID(row)
	return ok, err
}

// NextEpisode returns the first recorded episode after id.
func (s *Store) NextEpisode(id int64) (int64, bool, error) {
	return s.neighbour(`SELECT episode_id FROM epmem_episodes WHERE episode_id > ? ORDER BY episode_id ASC LIMIT 1`, id)
}

// PrevEpisode returns the last recorded episode before id.
func (s *Store) PrevEpisode(id int64) (int64, bool, error) {
	return s.neighbour(`SELECT episode_id FROM epmem_episodes WHERE episode_id < ? ORDER BY episode_id DESC LIMIT 1`, id)
}

func (s *Store) neighbour(query string, id int64) (int64, bool, error) {
	row, err := s.queryRow(query, id)
	if err != nil {
		return 0, false, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return n, true, nil
}
