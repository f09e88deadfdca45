// Command rotatekey re-encrypts every envelope-encrypted blob under a new
// master key. Reads MASTER_KEY (current) and NEW_MASTER_KEY (replacement),
// rewriting each project and organization in its own transaction. Not a
// hot-path operation; run it with the API stopped or immediately restart
// the API with the new key afterwards.
package main

import (
	"context"
	"encoding/base64"
	"log"
	"os"

	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/config"
	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	newKeyRaw := os.Getenv("NEW_MASTER_KEY")
	if newKeyRaw == "" {
		log.Printf("NEW_MASTER_KEY must be set")
		os.Exit(1)
	}
	newKey, err := base64.StdEncoding.DecodeString(newKeyRaw)
	if err != nil || len(newKey) != 32 {
		log.Printf("NEW_MASTER_KEY must be base64 of 32 bytes")
		os.Exit(1)
	}

	oldVault, err := crypto.NewVault(cfg.MasterKey)
	if err != nil {
		log.Printf("Invalid MASTER_KEY: %v", err)
		os.Exit(1)
	}
	newVault, err := crypto.NewVault(newKey)
	if err != nil {
		log.Printf("Invalid NEW_MASTER_KEY: %v", err)
		os.Exit(1)
	}

	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx := context.Background()

	projects, err := rotateProjects(ctx, db, oldVault, newVault)
	if err != nil {
		log.Printf("Project rotation failed: %v", err)
		os.Exit(2)
	}
	orgs, err := rotateOrgs(ctx, db, oldVault, newVault)
	if err != nil {
		log.Printf("Organization rotation failed: %v", err)
		os.Exit(2)
	}

	log.Printf("Rotated %d projects and %d organizations; switch MASTER_KEY to the new value", projects, orgs)
}

func rotateProjects(ctx context.Context, db *repository.PostgresDB, oldVault, newVault *crypto.Vault) (int, error) {
	rows, err := db.Pool().Query(ctx, "SELECT id, private_key_ciphertext FROM projects")
	if err != nil {
		return 0, err
	}
	type row struct {
		id         string
		ciphertext []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ciphertext); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range pending {
		rotated, err := newVault.Reencrypt(oldVault, r.id, r.ciphertext)
		if err != nil {
			return 0, err
		}
		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx,
				"UPDATE projects SET private_key_ciphertext = $1 WHERE id = $2", rotated, r.id)
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func rotateOrgs(ctx context.Context, db *repository.PostgresDB, oldVault, newVault *crypto.Vault) (int, error) {
	rows, err := db.Pool().Query(ctx,
		"SELECT id, stripe_config_ciphertext, ls_config_ciphertext, resend_key_ciphertext FROM organizations")
	if err != nil {
		return 0, err
	}
	type row struct {
		id     string
		stripe []byte
		ls     []byte
		resend []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.stripe, &r.ls, &r.resend); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range pending {
		rotate := func(blob []byte) ([]byte, error) {
			if len(blob) == 0 {
				return blob, nil
			}
			return newVault.Reencrypt(oldVault, r.id, blob)
		}
		stripe, err := rotate(r.stripe)
		if err != nil {
			return 0, err
		}
		ls, err := rotate(r.ls)
		if err != nil {
			return 0, err
		}
		resend, err := rotate(r.resend)
		if err != nil {
			return 0, err
		}
		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				UPDATE organizations
				SET stripe_config_ciphertext = $1, ls_config_ciphertext = $2, resend_key_ciphertext = $3
				WHERE id = $4
			`, stripe, ls, resend, r.id)
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}
