// Command migrate applies the embedded schema migrations to both stores.
package main

import (
	"log"
	"os"

	"github.com/CallMeGwei/paycheck/internal/config"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if err := repository.MigrateOperational(cfg.DatabaseURL); err != nil {
		log.Printf("Operational migrations failed: %v", err)
		os.Exit(2)
	}
	log.Println("Operational store migrated")

	if err := repository.MigrateAudit(cfg.AuditDatabaseURL); err != nil {
		log.Printf("Audit migrations failed: %v", err)
		os.Exit(2)
	}
	log.Println("Audit store migrated")
}
