package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// App is a TPA registered in the catalog.
type App struct {
	PackageName  string    `db:"package_name" json:"packageName"`
	Name         string    `db:"name" json:"name"`
	WebhookURL   string    `db:"webhook_url" json:"webhookUrl"`
	HashedAPIKey string    `db:"hashed_api_key" json:"-"`
	IsSystemApp  bool      `db:"is_system_app" json:"isSystemApp"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// UserApp is one installation of an app by a user, with that user's settings.
type UserApp struct {
	UserID      string         `db:"user_id" json:"userId"`
	PackageName string         `db:"package_name" json:"packageName"`
	Settings    types.JSONText `db:"settings" json:"settings"`
	InstalledAt time.Time      `db:"installed_at" json:"installedAt"`
}
