// migrate provisions the clearing schema in Postgres.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/bsx-exchange/clearinghouse/internal/persistence"
)

func main() {
	pgURL := os.Getenv("CLEARD_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/clearinghouse?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	if err := persistence.EnsureSchema(context.Background(), db); err != nil {
		log.Fatalf("FATAL: ensure schema: %v", err)
	}
	log.Println("INFO: clearing schema ensured")
}
