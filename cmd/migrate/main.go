package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"tally.org/internal/migrate"
	"tally.org/internal/obs"
	"tally.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("TALLY_PG_DSN"), "PostgreSQL DSN")
		driver         = flag.String("driver", envOr("TALLY_PG_DRIVER", pg.DriverPGX), "database/sql driver: pgx or postgres")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (defaults to the embedded schema)")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "Directory of SQL seeds")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TALLY_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := pg.Open(*driver, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	var migrations fs.FS = migrate.Schema()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	mgr := migrate.NewManager(st.DB(), migrations, os.DirFS(*seedsPath), migrate.WithLogger(obs.Logger()))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
