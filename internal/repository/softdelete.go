package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Soft-delete helpers shared by the entity services.
//
// Cascade hierarchy:
//
//	users (root)
//	├── operators (depth 1)
//	└── org_members (depth 1)
//
//	organizations (root)
//	├── org_members (depth 1)
//	├── projects (depth 1)
//	│   └── products (depth 2)
//	│       └── licenses (depth 3)
//
//	projects and products can also be deleted directly; their children pick
//	up depth relative to the deleted root.
//
// A direct delete writes depth 0; cascaded rows share the parent's
// deleted_at with increasing depth, which is what lets a parent restore
// find exactly its own cascade.

// SoftDeleteResult reports whether the entity was found, and the timestamp
// stamped on it (for cascade matching).
type SoftDeleteResult struct {
	Deleted   bool
	DeletedAt int64
}

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SoftDeleteEntity marks one row deleted at depth 0.
func SoftDeleteEntity(ctx context.Context, tx pgx.Tx, table, id string) (SoftDeleteResult, error) {
	now := time.Now().Unix()
	sql := fmt.Sprintf(
		"UPDATE %s SET deleted_at = $1, deleted_cascade_depth = 0 WHERE id = $2 AND deleted_at IS NULL", table)
	tag, err := tx.Exec(ctx, sql, now, id)
	if err != nil {
		return SoftDeleteResult{}, err
	}
	return SoftDeleteResult{Deleted: tag.RowsAffected() > 0, DeletedAt: now}, nil
}

// CascadeDeleteDirect propagates a delete to a child table via a direct
// foreign key.
func CascadeDeleteDirect(ctx context.Context, tx pgx.Tx, childTable, fkColumn, parentID string, deletedAt int64, depth int) (int64, error) {
	sql := fmt.Sprintf(
		"UPDATE %s SET deleted_at = $1, deleted_cascade_depth = $2 WHERE %s = $3 AND deleted_at IS NULL",
		childTable, fkColumn)
	tag, err := tx.Exec(ctx, sql, deletedAt, depth, parentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CascadeDeleteViaSubquery propagates a delete through a transitive
// relationship, e.g. licenses under all projects of an org.
func CascadeDeleteViaSubquery(ctx context.Context, tx pgx.Tx, childTable, fkColumn, subquery, parentID string, deletedAt int64, depth int) (int64, error) {
	sql := fmt.Sprintf(
		"UPDATE %s SET deleted_at = $1, deleted_cascade_depth = $2 WHERE %s IN (%s) AND deleted_at IS NULL",
		childTable, fkColumn, subquery)
	tag, err := tx.Exec(ctx, sql, deletedAt, depth, parentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ErrCascadeRestore is returned when restoring a cascade-deleted entity
// without the force flag.
type ErrCascadeRestore struct{ Entity string }

func (e ErrCascadeRestore) Error() string {
	return fmt.Sprintf("%s was deleted via cascade; use force=true or restore the parent entity first", e.Entity)
}

// CheckRestoreAllowed rejects restores of cascaded entities unless forced.
// Depth 0 (direct deletes) restore unconditionally.
func CheckRestoreAllowed(cascadeDepth *int, force bool, entityName string) error {
	if cascadeDepth != nil && *cascadeDepth > 0 && !force {
		return ErrCascadeRestore{Entity: entityName}
	}
	return nil
}

// RestoreEntity clears the delete markers on one row.
func RestoreEntity(ctx context.Context, tx pgx.Tx, table, id string) (int64, error) {
	sql := fmt.Sprintf(
		"UPDATE %s SET deleted_at = NULL, deleted_cascade_depth = NULL WHERE id = $1", table)
	tag, err := tx.Exec(ctx, sql, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RestoreCascadedDirect restores children whose deleted_at matches the
// parent's delete; rows deleted on their own (depth 0) are left alone.
func RestoreCascadedDirect(ctx context.Context, tx pgx.Tx, childTable, fkColumn, parentID string, deletedAt int64) (int64, error) {
	sql := fmt.Sprintf(
		"UPDATE %s SET deleted_at = NULL, deleted_cascade_depth = NULL WHERE %s = $1 AND deleted_at = $2 AND deleted_cascade_depth > 0",
		childTable, fkColumn)
	tag, err := tx.Exec(ctx, sql, parentID, deletedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RestoreCascadedViaSubquery restores transitively cascaded children.
func RestoreCascadedViaSubquery(ctx context.Context, tx pgx.Tx, childTable, fkColumn, subquery, parentID string, deletedAt int64) (int64, error) {
	sql := fmt.Sprintf(
		"UPDATE %s SET deleted_at = NULL, deleted_cascade_depth = NULL WHERE %s IN (%s) AND deleted_at = $2 AND deleted_cascade_depth > 0",
		childTable, fkColumn, subquery)
	tag, err := tx.Exec(ctx, sql, parentID, deletedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeTable hard-deletes rows soft-deleted before the cutoff.
func PurgeTable(ctx context.Context, q Execer, table string, cutoff int64) (int64, error) {
	sql := fmt.Sprintf(
		"DELETE FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < $1", table)
	tag, err := q.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ProjectsInOrgSubquery finds projects of an organization, for transitive
// cascades keyed by org id ($3 in delete position, $1 in restore position).
const (
	ProjectsInOrgDeleteSubquery  = "SELECT id FROM projects WHERE org_id = $3"
	ProjectsInOrgRestoreSubquery = "SELECT id FROM projects WHERE org_id = $1"
)
