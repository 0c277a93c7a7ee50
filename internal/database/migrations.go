package database

import (
	"wa_broadcast/internal/models"

	"gorm.io/gorm"
)

// Migrate creates/updates database tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.WhatsAppSession{},
		&models.BroadcastList{},
		&models.BroadcastContact{},
		&models.BroadcastCampaign{},
		&models.BroadcastMessage{},
	)
}
