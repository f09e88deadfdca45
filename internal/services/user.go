package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrOperatorExists = errors.New("user is already an operator")
)

// UserService manages users, operators, and API keys.
type UserService struct {
	db *repository.PostgresDB
}

// NewUserService creates a new user service
func NewUserService(db *repository.PostgresDB) *UserService {
	return &UserService{db: db}
}

// CreateUser registers a new user. Email is unique.
func (s *UserService) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	var exists bool
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE email = $1 AND deleted_at IS NULL)", email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking email: %w", err)
	}
	if exists {
		return nil, ErrEmailTaken
	}

	now := nowUnix()
	user := &models.User{ID: uuid.New(), Email: email, Name: name, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO users (id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser returns a live user by id.
func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, email, name, created_at, updated_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail returns a live user by email.
func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, email, name, created_at, updated_at
		FROM users WHERE email = $1 AND deleted_at IS NULL
	`, email).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns users with pagination.
func (s *UserService) ListUsers(ctx context.Context, limit, offset int) ([]models.User, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM users WHERE deleted_at IS NULL").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, email, name, created_at, updated_at
		FROM users WHERE deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// DeleteUser soft-deletes a user and cascades to operators and org members.
func (s *UserService) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := repository.SoftDeleteEntity(ctx, tx, "users", id.String())
		if err != nil {
			return err
		}
		if !result.Deleted {
			return ErrUserNotFound
		}
		if _, err := repository.CascadeDeleteDirect(ctx, tx, "operators", "user_id", id.String(), result.DeletedAt, 1); err != nil {
			return err
		}
		_, err = repository.CascadeDeleteDirect(ctx, tx, "org_members", "user_id", id.String(), result.DeletedAt, 1)
		return err
	})
}

// RestoreUser restores a soft-deleted user and the children removed with it.
func (s *UserService) RestoreUser(ctx context.Context, id uuid.UUID, force bool) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var deletedAt *int64
		var depth *int
		err := tx.QueryRow(ctx,
			"SELECT deleted_at, deleted_cascade_depth FROM users WHERE id = $1", id).Scan(&deletedAt, &depth)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if deletedAt == nil {
			return nil
		}
		if err := repository.CheckRestoreAllowed(depth, force, "User"); err != nil {
			return err
		}
		if _, err := repository.RestoreEntity(ctx, tx, "users", id.String()); err != nil {
			return err
		}
		if _, err := repository.RestoreCascadedDirect(ctx, tx, "operators", "user_id", id.String(), *deletedAt); err != nil {
			return err
		}
		_, err = repository.RestoreCascadedDirect(ctx, tx, "org_members", "user_id", id.String(), *deletedAt)
		return err
	})
}

// CreateOperator grants a user system-wide access. At most one per user.
func (s *UserService) CreateOperator(ctx context.Context, userID uuid.UUID, role models.OperatorRole) (*models.Operator, error) {
	var exists bool
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM operators WHERE user_id = $1 AND deleted_at IS NULL)", userID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrOperatorExists
	}

	op := &models.Operator{ID: uuid.New(), UserID: userID, Role: role, CreatedAt: nowUnix()}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO operators (id, user_id, role, created_at) VALUES ($1, $2, $3, $4)
	`, op.ID, op.UserID, op.Role, op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}
	return op, nil
}

// GetOperatorForUser returns the user's operator row, if any.
func (s *UserService) GetOperatorForUser(ctx context.Context, userID uuid.UUID) (*models.Operator, error) {
	var op models.Operator
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, user_id, role, created_at
		FROM operators WHERE user_id = $1 AND deleted_at IS NULL
	`, userID).Scan(&op.ID, &op.UserID, &op.Role, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// CreateAPIKey mints a bearer credential for a user. The plaintext is
// returned exactly once; only the hash is stored.
func (s *UserService) CreateAPIKey(ctx context.Context, userID uuid.UUID, name string, scopes []models.APIKeyScope, expiresAt *int64) (*models.APIKey, string, error) {
	plaintext, hash := crypto.GenerateAPIKey()

	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		Prefix:    plaintext[:len(crypto.APIKeyPrefix)+4],
		KeyHash:   hash,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: nowUnix(),
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO api_keys (id, user_id, name, prefix, key_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, key.ID, key.UserID, key.Name, key.Prefix, key.KeyHash, key.ExpiresAt, key.CreatedAt)
		if err != nil {
			return err
		}
		for _, scope := range scopes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO api_key_scopes (id, api_key_id, org_id, project_id, access)
				VALUES ($1, $2, $3, $4, $5)
			`, uuid.New(), key.ID, scope.OrgID, scope.ProjectID, scope.Access); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}
	return key, plaintext, nil
}

// GetAPIKeyByHash resolves a non-revoked, non-expired key by its hash.
func (s *UserService) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, user_id, name, prefix, key_hash, revoked, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked = FALSE AND (expires_at IS NULL OR expires_at > $2)
	`, hash, nowUnix()).Scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &key.KeyHash,
		&key.Revoked, &key.ExpiresAt, &key.LastUsedAt, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Pool().Query(ctx,
		"SELECT org_id, project_id, access FROM api_key_scopes WHERE api_key_id = $1", key.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var scope models.APIKeyScope
		if err := rows.Scan(&scope.OrgID, &scope.ProjectID, &scope.Access); err != nil {
			return nil, err
		}
		key.Scopes = append(key.Scopes, scope)
	}
	return &key, rows.Err()
}

// TouchAPIKey updates last_used_at. Best-effort; callers fire and forget.
func (s *UserService) TouchAPIKey(keyID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.db.Pool().Exec(ctx,
			"UPDATE api_keys SET last_used_at = $1 WHERE id = $2", nowUnix(), keyID); err != nil {
			log.Printf("touch api key %s: %v", keyID, err)
		}
	}()
}

// RevokeAPIKey marks a key unusable.
func (s *UserService) RevokeAPIKey(ctx context.Context, keyID uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, "UPDATE api_keys SET revoked = TRUE WHERE id = $1", keyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// Bootstrap ensures an owner operator exists when the service starts with
// BOOTSTRAP_OPERATOR_EMAIL set. The generated API key is printed once.
func (s *UserService) Bootstrap(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	var operatorCount int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM operators WHERE deleted_at IS NULL").Scan(&operatorCount); err != nil {
		return err
	}
	if operatorCount > 0 {
		return nil
	}

	user, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		user, err = s.CreateUser(ctx, email, "")
	}
	if err != nil {
		return fmt.Errorf("bootstrap user: %w", err)
	}
	if _, err := s.CreateOperator(ctx, user.ID, models.OperatorOwner); err != nil {
		return fmt.Errorf("bootstrap operator: %w", err)
	}
	_, plaintext, err := s.CreateAPIKey(ctx, user.ID, "bootstrap", nil, nil)
	if err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}
	log.Printf("bootstrap operator created for %s", email)
	log.Printf("bootstrap API key (shown once): %s", plaintext)
	return nil
}
