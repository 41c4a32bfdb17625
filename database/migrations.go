package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mailinglist/models"
)

// AllModels lists every table owned by the mailing list, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.MailingList{},
		&models.GlobalDeny{},
		&models.Subscription{},
		&models.SubscriptionChange{},
		&models.Message{},
		&models.MessagePart{},
		&models.MessageAttachment{},
		&models.Submission{},
		&models.Sending{},
	}
}

func RunMigrations(db *gorm.DB, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(AllModels()...); err != nil {
		log.Errorw("Error running migrations", "error", err)
		return fmt.Errorf("auto migrate: %w", err)
	}

	log.Info("Migrations completed successfully")
	return nil
}
