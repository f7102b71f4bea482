package models

import "github.com/mmdatafocus/stocktake_backend/config"

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&CountSession{}, &Participant{},
		&CatalogItem{},
		&CountMovement{},
		&StocktakeReport{},
		&OutboxMessageRecord{},
	)
	if err != nil {
		panic(err)
	}
}
