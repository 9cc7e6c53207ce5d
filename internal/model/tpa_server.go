package model

import "time"

// TpaServer records the most recent registration of a TPA server process.
type TpaServer struct {
	PackageName  string    `db:"package_name" json:"packageName"`
	ServerURL    string    `db:"server_url" json:"serverUrl"`
	RegisteredAt time.Time `db:"registered_at" json:"registeredAt"`
}

type RegisterTpaServerParams struct {
	PackageName string
	ServerURL   string
}
