package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/augmentos/cloud-relay-go/internal/model"
)

// UserAppRepository is the user store: which apps a user installed, and their
// per-app settings.
type UserAppRepository interface {
	ListInstalled(ctx context.Context, userID string) ([]string, error)
	Find(ctx context.Context, userID, packageName string) (*model.UserApp, error)
	Install(ctx context.Context, userID, packageName string) error
	Uninstall(ctx context.Context, userID, packageName string) (bool, error)
	UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) (bool, error)
}

type userAppRepo struct {
	db *sqlx.DB
}

func NewUserAppRepository(db *sqlx.DB) UserAppRepository {
	return &userAppRepo{db: db}
}

// ListInstalled returns package names in installation order.
func (r *userAppRepo) ListInstalled(ctx context.Context, userID string) ([]string, error) {
	var packages []string
	err := r.db.SelectContext(ctx, &packages, `
		SELECT package_name FROM user_apps
		WHERE user_id = $1
		ORDER BY installed_at, package_name
	`, userID)
	if err != nil {
		return nil, err
	}
	return packages, nil
}

func (r *userAppRepo) Find(ctx context.Context, userID, packageName string) (*model.UserApp, error) {
	var ua model.UserApp
	err := r.db.GetContext(ctx, &ua, `
		SELECT * FROM user_apps WHERE user_id = $1 AND package_name = $2
	`, userID, packageName)
	return optionalRow(&ua, err)
}

// Install is idempotent; reinstalling keeps existing settings.
func (r *userAppRepo) Install(ctx context.Context, userID, packageName string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_apps (user_id, package_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id, package_name) DO NOTHING
	`, userID, packageName)
	return err
}

func (r *userAppRepo) Uninstall(ctx context.Context, userID, packageName string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM user_apps WHERE user_id = $1 AND package_name = $2
	`, userID, packageName)
	return touchedRow(result, err)
}

func (r *userAppRepo) UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_apps SET settings = $1
		WHERE user_id = $2 AND package_name = $3
	`, []byte(settings), userID, packageName)
	return touchedRow(result, err)
}
