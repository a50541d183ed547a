package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"collabwiki/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// PageRole resolves the effective permission of userID on pageID: ownership
// first, then an explicit page grant, then team membership (capped at editor).
func (s *PostgresStore) PageRole(ctx context.Context, pageID, userID string) (rbac.Level, error) {
	const query = `
		SELECT p.owner_id, pp.role, tm.role
		FROM pages p
		LEFT JOIN page_permissions pp ON pp.page_id = p.id AND pp.user_id = $2
		LEFT JOIN team_members tm ON tm.team_id = p.team_id AND tm.user_id = $2
		WHERE p.id = $1
	`
	var ownerID string
	var pageRole, teamRole sql.NullString
	err := s.db.QueryRowContext(ctx, query, pageID, userID).Scan(&ownerID, &pageRole, &teamRole)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.LevelNone, nil
	}
	if err != nil {
		return rbac.LevelNone, fmt.Errorf("read page role: %w", err)
	}
	return resolveLevel(userID, ownerID, pageRole.String, teamRole.String), nil
}

func resolveLevel(userID, ownerID, pageRole, teamRole string) rbac.Level {
	if userID != "" && userID == ownerID {
		return rbac.LevelOwner
	}
	if pageRole != "" {
		return rbac.Normalize(pageRole)
	}
	if teamRole != "" {
		level := rbac.Normalize(teamRole)
		if level == rbac.LevelOwner {
			return rbac.LevelEditor
		}
		return level
	}
	return rbac.LevelNone
}

// SaveSnapshot overwrites the page's current content and replica state. A
// snapshot without CRDT state clears the stored replica, so the next CRDT
// session imports the block list instead of an older replica.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, pageID string, snapshot Snapshot, savedBy string) error {
	content := snapshot.Content
	if len(content) == 0 {
		content = []byte("[]")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET content=$2, crdt_state=$3, updated_by=$4, updated_at=NOW()
		WHERE id=$1
	`, pageID, string(content), nilIfEmpty(snapshot.CRDTState), savedBy)
	if err != nil {
		return fmt.Errorf("save page snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save page snapshot: %w", err)
	}
	if affected == 0 {
		return ErrPageNotFound
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, pageID string) (Snapshot, error) {
	var content []byte
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT content, crdt_state FROM pages WHERE id=$1`, pageID).Scan(&content, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrPageNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load page snapshot: %w", err)
	}
	return Snapshot{Content: content, CRDTState: state}, nil
}

func (s *PostgresStore) GrantPagePermission(ctx context.Context, perm PagePermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_permissions (page_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (page_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_at=NOW()
	`, perm.PageID, perm.UserID, string(rbac.Normalize(perm.Role)))
	if err != nil {
		return fmt.Errorf("grant page permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nilIfEmpty(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}
