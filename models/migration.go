package models

import (
	"log"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
)

// MigrateTable creates the tables owned by this service. orders, delivery_tasks,
// transactions and activity_logs belong to the marketplace application and are
// never migrated here.
func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&AbandonedProcess{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
