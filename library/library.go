// Package library manages the media libraries tasks are created against:
// their names, tag sets, and dispatch priority scores.
package library

import (
	"database/sql"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Library is one watched media library.
type Library struct {
	ID            int64
	Name          string
	Path          string
	PriorityScore int64
	// EnableRemoteOnly marks libraries whose tasks should only run on
	// linked remote installations.
	EnableRemoteOnly bool
	// PluginFlowHash fingerprints the library's enabled-plugin flow
	// configuration; the foreman pauses workers when it drifts.
	PluginFlowHash string
	Tags           []string
}

// Store persists libraries and their tag sets.
type Store struct {
	db *sql.DB
}

// NewStore creates a library store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a library with its tags and returns it with the
// assigned id.
func (s *Store) Create(lib *Library) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO libraries (name, path, priority_score, enable_remote_only, plugin_flow_hash)
		 VALUES (?, ?, ?, ?, ?)`,
		lib.Name, lib.Path, lib.PriorityScore, lib.EnableRemoteOnly, lib.PluginFlowHash,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create library %q", lib.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	lib.ID = id

	if err := replaceTagsTx(tx, id, lib.Tags); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "commit")
}

// Get returns the library with the given id.
func (s *Store) Get(id int64) (*Library, error) {
	var lib Library
	err := s.db.QueryRow(
		`SELECT id, name, path, priority_score, enable_remote_only, plugin_flow_hash
		 FROM libraries WHERE id = ?`, id,
	).Scan(&lib.ID, &lib.Name, &lib.Path, &lib.PriorityScore, &lib.EnableRemoteOnly, &lib.PluginFlowHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("library %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get library %d", id)
	}

	tags, err := s.tagsFor(id)
	if err != nil {
		return nil, err
	}
	lib.Tags = tags
	return &lib, nil
}

// GetByName returns the library with the given name.
func (s *Store) GetByName(name string) (*Library, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM libraries WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("library %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up library %q", name)
	}
	return s.Get(id)
}

// All returns every configured library with its tags.
func (s *Store) All() ([]*Library, error) {
	rows, err := s.db.Query(
		`SELECT id, name, path, priority_score, enable_remote_only, plugin_flow_hash
		 FROM libraries ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list libraries")
	}
	defer rows.Close()

	var libs []*Library
	for rows.Next() {
		var lib Library
		if err := rows.Scan(&lib.ID, &lib.Name, &lib.Path, &lib.PriorityScore, &lib.EnableRemoteOnly, &lib.PluginFlowHash); err != nil {
			return nil, errors.Wrap(err, "failed to scan library")
		}
		libs = append(libs, &lib)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate libraries")
	}

	for _, lib := range libs {
		tags, err := s.tagsFor(lib.ID)
		if err != nil {
			return nil, err
		}
		lib.Tags = tags
	}
	return libs, nil
}

// SetTags replaces the library's tag set.
func (s *Store) SetTags(libraryID int64, tags []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM library_tags WHERE library_id = ?`, libraryID); err != nil {
		return errors.Wrapf(err, "failed to clear tags for library %d", libraryID)
	}
	if err := replaceTagsTx(tx, libraryID, tags); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// SetPluginFlowHash records the library's current plugin flow fingerprint.
func (s *Store) SetPluginFlowHash(libraryID int64, hash string) error {
	_, err := s.db.Exec(
		`UPDATE libraries SET plugin_flow_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		hash, libraryID)
	return errors.Wrapf(err, "failed to set plugin flow hash for library %d", libraryID)
}

// Delete removes a library. Tag links cascade.
func (s *Store) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM libraries WHERE id = ?`, id)
	return errors.Wrapf(err, "failed to delete library %d", id)
}

func (s *Store) tagsFor(libraryID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT t.name FROM tags t
		 JOIN library_tags lt ON lt.tag_id = t.id
		 WHERE lt.library_id = ? ORDER BY t.name`, libraryID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tags for library %d", libraryID)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		tags = append(tags, tag)
	}
	return tags, errors.Wrap(rows.Err(), "iterate tags")
}

func replaceTagsTx(tx *sql.Tx, libraryID int64, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (name) VALUES (?)`, tag); err != nil {
			return errors.Wrapf(err, "failed to insert tag %q", tag)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO library_tags (library_id, tag_id)
			 SELECT ?, id FROM tags WHERE name = ?`, libraryID, tag); err != nil {
			return errors.Wrapf(err, "failed to link tag %q to library %d", tag, libraryID)
		}
	}
	return nil
}
