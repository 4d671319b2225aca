// migration brings the dc schema and the system tables of the
// configured database up to date.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"vo_platform/config"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/utils/logging"

	"github.com/joho/godotenv"
)

func main() {
	envFile := flag.String("env", "", "File to load env variables from.")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error loading .env file '%v': %v\n", *envFile, err)
			os.Exit(1)
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	db, err := schema.OpenProfile(cfg, cfg.Db.Maintainers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	sysTables, err := rd.NewLoader(cfg.InputsDir, cfg).SystemTables()
	if err != nil {
		slog.Error("error loading system RDs", "code", logging.RD_LOAD, "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(sysTables); err != nil {
		slog.Error("migration failed", "code", logging.DB_MIGRATE, "error", err)
		os.Exit(1)
	}
	slog.Info("database is up to date", "code", logging.DB_MIGRATE, "interface", cfg.Db.Interface)
}
