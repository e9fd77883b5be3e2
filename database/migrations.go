package database

import (
	"log"

	"confide/analytics"
	"confide/models"

	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&models.Account{},
		&models.Persona{},
		&models.Story{},
		&models.Comment{},
		&models.Tag{},
		&models.StoryTag{},
		&analytics.ReadEvent{},
	)

	if err != nil {
		log.Printf("Error running migrations: %v", err)
		return err
	}

	log.Println("Migrations completed successfully")
	return nil
}
