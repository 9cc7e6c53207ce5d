package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/augmentos/cloud-relay-go/internal/model"
)

// AppRepository reads the TPA catalog.
type AppRepository interface {
	FindByPackageName(ctx context.Context, packageName string) (*model.App, error)
	ListSystemApps(ctx context.Context) ([]model.App, error)
}

type appRepo struct {
	db *sqlx.DB
}

func NewAppRepository(db *sqlx.DB) AppRepository {
	return &appRepo{db: db}
}

func (r *appRepo) FindByPackageName(ctx context.Context, packageName string) (*model.App, error) {
	var app model.App
	err := r.db.GetContext(ctx, &app, `
		SELECT * FROM apps WHERE package_name = $1
	`, packageName)
	return optionalRow(&app, err)
}

// ListSystemApps returns apps every user has installed implicitly.
func (r *appRepo) ListSystemApps(ctx context.Context) ([]model.App, error) {
	var apps []model.App
	err := r.db.SelectContext(ctx, &apps, `
		SELECT * FROM apps WHERE is_system_app = TRUE ORDER BY package_name
	`)
	if err != nil {
		return nil, err
	}
	return apps, nil
}
