package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Models lists every table owned by the application, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.UserSettings{},
		&models.Plan{},
		&models.PlanPrice{},
		&models.Entitlement{},
		&models.Subscription{},
		&models.Usage{},
		&models.BillingPolicy{},
		&models.ProviderConfig{},
		&models.EventLog{},
		&models.BillingCustomer{},
	}
}

// DSN builds the MySQL data source name from the DB_* variables.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

func SetupDatabase() {
	var err error
	dsn := DSN()

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
		if err == nil {
			if env.GetEnv("DB_AUTO_MIGRATE", "true") == "true" {
				if err = DB.AutoMigrate(Models()...); err != nil {
					log.Printf("AutoMigrate failed: %v", err)
				}
			}
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
