package models

import (
	"log"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Property{}, &CostCategory{},
		&SourceConnection{}, &SyncRun{}, &SyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
