package schema

import (
	"fmt"
	"log/slog"

	"vo_platform/rd"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// JobQueues are the UWS job tables.
var JobQueues = []string{"tap_jobs", "dl_jobs"}

func (d *DB) migrateJobTables(txn *gorm.DB) error {
	for _, queue := range JobQueues {
		if err := txn.Table(d.SysTable(queue)).AutoMigrate(&Job{}); err != nil {
			return fmt.Errorf("error creating %s: %w", queue, err)
		}
	}
	return nil
}

func (d *DB) initialSchema(txn *gorm.DB) error {
	if d.Dialect.Name() == "postgres" {
		for _, s := range []string{"dc", "ivoa", "tap_schema"} {
			if err := txn.Exec("CREATE SCHEMA IF NOT EXISTS " + s).Error; err != nil {
				return err
			}
		}
	}
	if err := txn.AutoMigrate(&TableMeta{}, &Resource{}, &Set{}, &User{}, &Product{}); err != nil {
		return err
	}
	return d.migrateJobTables(txn)
}

// Migrate brings the dc schema up to date and creates the on-disk tables
// of the given (system) RD tables.
func (d *DB) Migrate(systemTables []*rd.Table) error {
	migration := gormigrate.New(d.DB, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:      "1_initial",
			Migrate: d.initialSchema,
		},
		{
			// job classes were added with datalink async
			ID: "2_job_class",
			Migrate: func(txn *gorm.DB) error {
				return d.migrateJobTables(txn)
			},
		},
	})

	migration.InitSchema(func(txn *gorm.DB) error {
		slog.Info("clean database detected, running full schema initialization")
		return d.initialSchema(txn)
	})

	if err := migration.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	for _, t := range systemTables {
		if !t.OnDisk || t.QName() == "dc.products" {
			continue
		}
		if err := d.CreateTable(t); err != nil {
			return err
		}
	}
	return nil
}
