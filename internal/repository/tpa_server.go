package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/augmentos/cloud-relay-go/internal/database"
	"github.com/augmentos/cloud-relay-go/internal/model"
)

// TpaServerRepository tracks TPA server registrations.
type TpaServerRepository interface {
	Register(ctx context.Context, params model.RegisterTpaServerParams) (*model.TpaServer, error)
	DeleteStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

type tpaServerRepo struct {
	db *sqlx.DB
}

func NewTpaServerRepository(db *sqlx.DB) TpaServerRepository {
	return &tpaServerRepo{db: db}
}

// Register upserts the registration, refreshing registered_at. The catalog row is
// share-locked for the upsert so a concurrent app delete cannot orphan it; a package
// missing from the catalog yields nil.
func (r *tpaServerRepo) Register(ctx context.Context, params model.RegisterTpaServerParams) (*model.TpaServer, error) {
	var server model.TpaServer
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var packageName string
		if err := tx.GetContext(ctx, &packageName, `
			SELECT package_name FROM apps WHERE package_name = $1 FOR SHARE
		`, params.PackageName); err != nil {
			return err
		}
		return tx.GetContext(ctx, &server, `
			INSERT INTO tpa_servers (package_name, server_url)
			VALUES ($1, $2)
			ON CONFLICT (package_name, server_url) DO UPDATE SET registered_at = NOW()
			RETURNING *
		`, params.PackageName, params.ServerURL)
	})
	return optionalRow(&server, err)
}

// DeleteStale removes registrations older than maxAge.
func (r *tpaServerRepo) DeleteStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM tpa_servers WHERE registered_at < $1
	`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
