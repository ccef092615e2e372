package db

import (
	"context"
	"fmt"

	"horse.fit/chronicle/internal/globaltime"
)

// FindConflictBySignature looks up a conflict by exact entity signature
// match. Returns found=false when no conflict carries the signature.
func (p *Pool) FindConflictBySignature(ctx context.Context, signature string) (*Conflict, bool, error) {
	if p == nil {
		return nil, false, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	conflict_id,
	name,
	description,
	entity_signature,
	embedding,
	confidence,
	created_at,
	updated_at
FROM chronicle.conflicts
WHERE entity_signature = $1
ORDER BY conflict_id
LIMIT 1
`

	var c Conflict
	err := p.QueryRow(ctx, q, signature).Scan(
		&c.ConflictID,
		&c.Name,
		&c.Description,
		&c.EntitySignature,
		&c.Embedding,
		&c.Confidence,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find conflict by signature: %w", err)
	}
	return &c, true, nil
}

// GetConflict fetches one conflict by id.
func (p *Pool) GetConflict(ctx context.Context, conflictID int64) (*Conflict, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	conflict_id,
	name,
	description,
	entity_signature,
	embedding,
	confidence,
	created_at,
	updated_at
FROM chronicle.conflicts
WHERE conflict_id = $1
`

	var c Conflict
	err := p.QueryRow(ctx, q, conflictID).Scan(
		&c.ConflictID,
		&c.Name,
		&c.Description,
		&c.EntitySignature,
		&c.Embedding,
		&c.Confidence,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get conflict_id=%d: %w", conflictID, err)
	}
	return &c, nil
}

// ListConflictsWithCentroid returns every conflict that already has a stored
// centroid, in stable id order. Conflicts without one are not similarity
// candidates. The linear scan is documented behavior at moderate cluster
// counts.
func (p *Pool) ListConflictsWithCentroid(ctx context.Context) ([]Conflict, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	conflict_id,
	name,
	description,
	entity_signature,
	embedding,
	confidence,
	created_at,
	updated_at
FROM chronicle.conflicts
WHERE embedding IS NOT NULL
ORDER BY conflict_id
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query conflicts with centroid: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(
			&c.ConflictID,
			&c.Name,
			&c.Description,
			&c.EntitySignature,
			&c.Embedding,
			&c.Confidence,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

// CreateConflict inserts a new conflict. When a concurrent pass already
// created one with the same (non-empty) signature, the unique index rejects
// the insert and the winning row is fetched instead; created=false in that
// case.
func (p *Pool) CreateConflict(ctx context.Context, conflict *Conflict) (*Conflict, bool, error) {
	if p == nil {
		return nil, false, fmt.Errorf("database pool is not initialized")
	}
	if conflict == nil {
		return nil, false, fmt.Errorf("conflict is nil")
	}

	const q = `
INSERT INTO chronicle.conflicts (
	name,
	description,
	entity_signature,
	embedding,
	confidence,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT DO NOTHING
RETURNING conflict_id
`

	now := globaltime.UTC()
	var embedding any
	if len(conflict.Embedding) > 0 {
		embedding = string(conflict.Embedding)
	}

	var conflictID int64
	err := p.QueryRow(
		ctx,
		q,
		conflict.Name,
		conflict.Description,
		conflict.EntitySignature,
		embedding,
		conflict.Confidence,
		now,
	).Scan(&conflictID)
	if err == nil {
		conflict.ConflictID = conflictID
		conflict.CreatedAt = now
		conflict.UpdatedAt = now
		return conflict, true, nil
	}
	if !IsNoRows(err) {
		return nil, false, fmt.Errorf("insert conflict signature=%q: %w", conflict.EntitySignature, err)
	}

	// Lost the creation race: another pass inserted the signature first.
	winner, found, err := p.FindConflictBySignature(ctx, conflict.EntitySignature)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("conflict insert skipped but signature %q not found", conflict.EntitySignature)
	}
	return winner, false, nil
}

// UpdateConflictCentroid persists only the centroid column.
func (p *Pool) UpdateConflictCentroid(ctx context.Context, conflictID int64, centroid []float64) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	encoded, err := EncodeVector(centroid)
	if err != nil {
		return err
	}

	const q = `
UPDATE chronicle.conflicts
SET embedding = $2::jsonb, updated_at = $3
WHERE conflict_id = $1
`

	tag, err := p.Exec(ctx, q, conflictID, string(encoded), globaltime.UTC())
	if err != nil {
		return fmt.Errorf("update conflict centroid conflict_id=%d: %w", conflictID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update conflict centroid: conflict_id=%d not found", conflictID)
	}
	return nil
}

// CountConflicts reports the cluster pool size, used by the stats surface.
func (p *Pool) CountConflicts(ctx context.Context) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}

	var count int64
	if err := p.QueryRow(ctx, `SELECT COUNT(*) FROM chronicle.conflicts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return count, nil
}

// ListConflicts returns conflicts most recently updated first, for the read
// API.
func (p *Pool) ListConflicts(ctx context.Context, limit int) ([]Conflict, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT
	conflict_id,
	name,
	description,
	entity_signature,
	embedding,
	confidence,
	created_at,
	updated_at
FROM chronicle.conflicts
ORDER BY updated_at DESC, conflict_id DESC
LIMIT $1
`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]Conflict, 0, limit)
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(
			&c.ConflictID,
			&c.Name,
			&c.Description,
			&c.EntitySignature,
			&c.Embedding,
			&c.Confidence,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}
