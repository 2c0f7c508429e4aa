// Package main applies the world and link record schema to PostgreSQL.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/worlds/internal/config"
	"github.com/cory-johannsen/worlds/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	dbCfg, err := loadDatabase(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var n int
	switch *direction {
	case "up":
		n = *steps
	case "down":
		n = -*steps
	default:
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}

	res, err := postgres.Migrate(dbCfg.DSN(), n, *direction == "down")
	if err != nil {
		log.Fatal(err)
	}

	elapsed := time.Since(start)
	if res.NoChange {
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, elapsed)
	} else {
		fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", *direction, res.Version, res.Dirty, elapsed)
	}
}

// loadDatabase reads the database section of the daemon config, including
// WORLDS_DATABASE_* overrides.
func loadDatabase(path string) (config.DatabaseConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	return cfg.Database, nil
}
