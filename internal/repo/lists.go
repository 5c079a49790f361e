// Package repo is the durable-store tier (L3): typed CRUD against Postgres
// for lists, items, and membership. Every write is an upsert keyed by primary
// identifier so replays from the write-behind queue are safe.
package repo

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/model"
)

// Lists is the repository for todo_lists and todo_list_members.
type Lists struct {
	DB *pgxpool.Pool
}

func NewLists(db *pgxpool.Pool) *Lists {
	return &Lists{DB: db}
}

// Create upserts a list row keyed by id.
func (r *Lists) Create(ctx context.Context, l *model.TodoList) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO todo_lists (id, name, owner_id, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()), COALESCE($6::timestamptz, now()))
		ON CONFLICT (id) DO UPDATE SET
			name       = EXCLUDED.name,
			owner_id   = EXCLUDED.owner_id,
			is_deleted = EXCLUDED.is_deleted
	`, l.ID, l.Name, l.OwnerID, l.IsDeleted, nullIfEmpty(l.CreatedAt), nullIfEmpty(l.UpdatedAt))
	if err != nil {
		log.Error().Err(err).Str("list_id", l.ID).Msg("failed to upsert list")
	}
	return err
}

// Rename updates the user-facing name. Renaming a missing list is a no-op;
// the queue may replay a rename after a delete.
func (r *Lists) Rename(ctx context.Context, listID, name string) error {
	_, err := r.DB.Exec(ctx,
		`UPDATE todo_lists SET name = $2 WHERE id = $1`, listID, name)
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Msg("failed to rename list")
	}
	return err
}

// SoftDelete marks a list deleted without removing rows.
func (r *Lists) SoftDelete(ctx context.Context, listID string) error {
	_, err := r.DB.Exec(ctx,
		`UPDATE todo_lists SET is_deleted = true WHERE id = $1`, listID)
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Msg("failed to soft delete list")
	}
	return err
}

// GetByID returns a live list row, nil when absent or soft-deleted.
func (r *Lists) GetByID(ctx context.Context, listID string) (*model.TodoList, error) {
	var l model.TodoList
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, owner_id, is_deleted, to_rfc3339(created_at), to_rfc3339(updated_at)
		FROM todo_lists
		WHERE id = $1 AND NOT is_deleted
	`, listID).Scan(&l.ID, &l.Name, &l.OwnerID, &l.IsDeleted, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		log.Error().Err(err).Str("list_id", listID).Msg("failed to get list")
		return nil, err
	}
	return &l, nil
}

// GetForUser returns every live list the user is a member of, owned or shared.
func (r *Lists) GetForUser(ctx context.Context, userID string) ([]model.TodoList, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT l.id, l.name, l.owner_id, l.is_deleted, to_rfc3339(l.created_at), to_rfc3339(l.updated_at)
		FROM todo_lists l
		JOIN todo_list_members m ON m.list_id = l.id
		WHERE m.user_id = $1 AND NOT l.is_deleted
		ORDER BY l.created_at
	`, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list user lists")
		return nil, err
	}
	defer rows.Close()

	var out []model.TodoList
	for rows.Next() {
		var l model.TodoList
		if err := rows.Scan(&l.ID, &l.Name, &l.OwnerID, &l.IsDeleted, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertMember grants or changes a membership, keyed by (list_id, user_id).
func (r *Lists) UpsertMember(ctx context.Context, listID, userID string, role model.Role) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO todo_list_members (list_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (list_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, listID, userID, role)
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Str("user_id", userID).Msg("failed to upsert member")
	}
	return err
}

// RemoveMember revokes a membership.
func (r *Lists) RemoveMember(ctx context.Context, listID, userID string) error {
	_, err := r.DB.Exec(ctx,
		`DELETE FROM todo_list_members WHERE list_id = $1 AND user_id = $2`, listID, userID)
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Str("user_id", userID).Msg("failed to remove member")
	}
	return err
}

// GetMember returns one membership row, nil for non-members.
func (r *Lists) GetMember(ctx context.Context, listID, userID string) (*model.ListMember, error) {
	var m model.ListMember
	err := r.DB.QueryRow(ctx, `
		SELECT list_id, user_id, role, to_rfc3339(created_at)
		FROM todo_list_members
		WHERE list_id = $1 AND user_id = $2
	`, listID, userID).Scan(&m.ListID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		log.Error().Err(err).Str("list_id", listID).Str("user_id", userID).Msg("failed to get member")
		return nil, err
	}
	return &m, nil
}

// GetMembers returns every membership of a list.
func (r *Lists) GetMembers(ctx context.Context, listID string) ([]model.ListMember, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT list_id, user_id, role, to_rfc3339(created_at)
		FROM todo_list_members
		WHERE list_id = $1
		ORDER BY created_at
	`, listID)
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Msg("failed to list members")
		return nil, err
	}
	defer rows.Close()

	var out []model.ListMember
	for rows.Next() {
		var m model.ListMember
		if err := rows.Scan(&m.ListID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// nullIfEmpty turns "" into SQL NULL for optional timestamp params.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
