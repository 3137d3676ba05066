package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/laoshifu996/clash-master/internal/model"
)

// CreateBackend inserts a new backend. If no other backend exists at
// that moment, it becomes the active one (spec.md §6: "first backend
// becomes active"). Duplicate names return ErrDuplicateName.
func (s *Store) CreateBackend(name, url, token string) (model.Backend, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM backends`).Scan(&count); err != nil {
		return model.Backend{}, fmt.Errorf("store: count backends: %w", err)
	}

	b := model.Backend{
		ID:        uuid.New().String(),
		Name:      name,
		URL:       url,
		Token:     token,
		Enabled:   true,
		Listening: true,
		IsActive:  count == 0,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO backends (id, name, url, token, enabled, listening, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.URL, b.Token, b.Enabled, b.Listening, b.IsActive, b.CreatedAt,
	)
	if err != nil {
		if IsConstraint(err) {
			return model.Backend{}, ErrDuplicateName
		}
		return model.Backend{}, fmt.Errorf("store: create backend: %w", err)
	}
	b.HasToken = token != ""
	return b, nil
}

func scanBackend(row interface {
	Scan(dest ...any) error
}) (model.Backend, error) {
	var b model.Backend
	err := row.Scan(&b.ID, &b.Name, &b.URL, &b.Token, &b.Enabled, &b.Listening, &b.IsActive, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Backend{}, ErrNotFound
	}
	if err != nil {
		return model.Backend{}, fmt.Errorf("store: scan backend: %w", err)
	}
	b.HasToken = b.Token != ""
	return b, nil
}

// GetBackend fetches one backend by id.
func (s *Store) GetBackend(id string) (model.Backend, error) {
	row := s.db.QueryRow(`SELECT id, name, url, token, enabled, listening, is_active, created_at
		FROM backends WHERE id = ?`, id)
	return scanBackend(row)
}

// GetActiveBackend fetches the single backend with isActive=true, if
// any (spec.md §3: "at most one per system").
func (s *Store) GetActiveBackend() (model.Backend, error) {
	row := s.db.QueryRow(`SELECT id, name, url, token, enabled, listening, is_active, created_at
		FROM backends WHERE is_active = 1 LIMIT 1`)
	return scanBackend(row)
}

// ListBackends returns every configured backend, newest first.
func (s *Store) ListBackends() ([]model.Backend, error) {
	rows, err := s.db.Query(`SELECT id, name, url, token, enabled, listening, is_active, created_at
		FROM backends ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list backends: %w", err)
	}
	defer rows.Close()

	out := []model.Backend{}
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListListeningBackends returns backends with enabled=1 AND
// listening=1, the set the Collector Supervisor's sync() reconciles
// against (spec.md §4.5).
func (s *Store) ListListeningBackends() ([]model.Backend, error) {
	rows, err := s.db.Query(`SELECT id, name, url, token, enabled, listening, is_active, created_at
		FROM backends WHERE enabled = 1 AND listening = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: list listening backends: %w", err)
	}
	defer rows.Close()

	out := []model.Backend{}
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BackendPatch carries the optional fields of a PUT /api/backends/:id
// partial update.
type BackendPatch struct {
	Name      *string
	URL       *string
	Token     *string
	Enabled   *bool
	Listening *bool
}

// UpdateBackend applies a partial update. Name collisions surface as
// ErrDuplicateName.
func (s *Store) UpdateBackend(id string, patch BackendPatch) (model.Backend, error) {
	current, err := s.GetBackend(id)
	if err != nil {
		return model.Backend{}, err
	}

	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.URL != nil {
		current.URL = *patch.URL
	}
	if patch.Token != nil {
		current.Token = *patch.Token
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.Listening != nil {
		current.Listening = *patch.Listening
	}

	_, err = s.db.Exec(
		`UPDATE backends SET name=?, url=?, token=?, enabled=?, listening=? WHERE id=?`,
		current.Name, current.URL, current.Token, current.Enabled, current.Listening, id,
	)
	if err != nil {
		if IsConstraint(err) {
			return model.Backend{}, ErrDuplicateName
		}
		return model.Backend{}, fmt.Errorf("store: update backend: %w", err)
	}
	current.HasToken = current.Token != ""
	return current, nil
}

// SetActiveBackend clears isActive on every backend and sets it on id
// (spec.md §3: "setting a new active clears others").
func (s *Store) SetActiveBackend(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: set active: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE backends SET is_active = 0`); err != nil {
		return fmt.Errorf("store: clear active: %w", err)
	}
	res, err := tx.Exec(`UPDATE backends SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SetListening flips the listening flag without touching credentials,
// used by POST /api/backends/:id/listening.
func (s *Store) SetListening(id string, listening bool) error {
	res, err := s.db.Exec(`UPDATE backends SET listening = ? WHERE id = ?`, listening, id)
	if err != nil {
		return fmt.Errorf("store: set listening: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBackend removes a backend and cascades to every aggregate and
// connection-record table carrying its backendId (spec.md §3: "data
// isolation... deleting a backend cascades to all its rows").
func (s *Store) DeleteBackend(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: delete backend: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM backends WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete backend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := cascadeDeleteBackend(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func cascadeDeleteBackend(tx *sql.Tx, backendID string) error {
	tables := append([]string{"connection_records"}, aggregateTables...)
	for _, table := range tables {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE backend_id = ?`, backendID); err != nil {
			return fmt.Errorf("store: cascade delete %s: %w", table, err)
		}
	}
	return nil
}
