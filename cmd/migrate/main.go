package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/config"
)

func main() {
	var (
		path  = flag.String("path", "migrations", "path to migration files")
		steps = flag.Int("steps", 0, "number of migrations to apply (0 = all)")
		down  = flag.Bool("down", false, "roll back instead of applying")
		force = flag.Int("force", -1, "force schema version (recovers a dirty state)")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	migrator, err := database.NewMigrator(&cfg.Database, *path)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer migrator.Close()

	switch {
	case *force >= 0:
		if err := migrator.Force(*force); err != nil {
			log.Fatalf("Failed to force version: %v", err)
		}
		fmt.Printf("Forced schema version to %d\n", *force)
	case *down:
		if err := migrator.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to roll back: %v", err)
		}
		fmt.Println("Rollback complete")
	case *steps != 0:
		if err := migrator.Steps(*steps); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to apply %d steps: %v", *steps, err)
		}
		fmt.Printf("Applied %d migration steps\n", *steps)
	default:
		if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		fmt.Println("Migrations complete")
	}

	version, dirty, err := migrator.Version()
	if err != nil && err != migrate.ErrNilVersion {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	if dirty {
		fmt.Fprintf(os.Stderr, "Warning: schema version %d is dirty\n", version)
		os.Exit(1)
	}
	fmt.Printf("Schema version: %d\n", version)
}
