package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/model"
)

// Items is the repository for todo_items.
type Items struct {
	DB *pgxpool.Pool
}

func NewItems(db *pgxpool.Pool) *Items {
	return &Items{DB: db}
}

// Upsert writes a full item snapshot keyed by id. Both add and update land
// here; the last replay wins, which matches the cache's LWW semantics.
func (r *Items) Upsert(ctx context.Context, it *model.TodoItem) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO todo_items
			(id, list_id, name, description, status, done, due_date, media_url, is_deleted, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::timestamptz, now()), COALESCE($11::timestamptz, now()))
		ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			description = EXCLUDED.description,
			status      = EXCLUDED.status,
			done        = EXCLUDED.done,
			due_date    = EXCLUDED.due_date,
			media_url   = EXCLUDED.media_url,
			is_deleted  = EXCLUDED.is_deleted
	`, it.ID, it.ListID, it.Name, it.Description, it.Status, it.Done,
		it.DueDate, it.MediaURL, it.IsDeleted, nullIfEmpty(it.CreatedAt), nullIfEmpty(it.UpdatedAt))
	if err != nil {
		log.Error().Err(err).Str("item_id", it.ID).Str("list_id", it.ListID).Msg("failed to upsert item")
	}
	return err
}

// SoftDelete marks one item deleted. The cache keeps a tombstone; the durable
// row keeps its last snapshot with the flag set.
func (r *Items) SoftDelete(ctx context.Context, itemID string) error {
	_, err := r.DB.Exec(ctx,
		`UPDATE todo_items SET is_deleted = true WHERE id = $1`, itemID)
	if err != nil {
		log.Error().Err(err).Str("item_id", itemID).Msg("failed to soft delete item")
	}
	return err
}

// GetByList returns the live items of a list, used to rebuild cold caches.
func (r *Items) GetByList(ctx context.Context, listID string) ([]model.TodoItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, list_id, name, description, status, done,
		       COALESCE(due_date, ''), COALESCE(media_url, ''),
		       is_deleted, to_rfc3339(created_at), to_rfc3339(updated_at)
		FROM todo_items
		WHERE list_id = $1 AND NOT is_deleted
		ORDER BY created_at
	`, listID)
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Msg("failed to query items")
		return nil, err
	}
	defer rows.Close()

	var out []model.TodoItem
	for rows.Next() {
		var it model.TodoItem
		if err := rows.Scan(&it.ID, &it.ListID, &it.Name, &it.Description, &it.Status, &it.Done,
			&it.DueDate, &it.MediaURL, &it.IsDeleted, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
