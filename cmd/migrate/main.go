// Database migration CLI
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

func main() {
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	flag.Parse()

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "database URL is required (-db flag or DATABASE_URL)")
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.New(ctx, *dbURL, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("schema is up to date")
}
