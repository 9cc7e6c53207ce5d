package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/model"
	relayredis "github.com/augmentos/cloud-relay-go/internal/redis"
	"github.com/augmentos/cloud-relay-go/internal/repository"
	"github.com/augmentos/cloud-relay-go/internal/util"
)

// AppCatalogService is the read/write side of the app store. App lookups are
// cached in Redis; a Redis outage falls through to Postgres.
type AppCatalogService struct {
	apps     repository.AppRepository
	userApps repository.UserAppRepository
	cache    *goredis.Client
	ttl      time.Duration
}

func NewAppCatalogService(
	apps repository.AppRepository,
	userApps repository.UserAppRepository,
	cache *goredis.Client,
	ttl time.Duration,
) *AppCatalogService {
	return &AppCatalogService{
		apps:     apps,
		userApps: userApps,
		cache:    cache,
		ttl:      ttl,
	}
}

// cachedApp keeps the key hash, which model.App hides from JSON.
type cachedApp struct {
	model.App
	HashedAPIKey string `json:"hashedApiKey"`
}

// App returns the catalog entry for packageName, or nil when there is none.
func (s *AppCatalogService) App(ctx context.Context, packageName string) (*model.App, error) {
	key := relayredis.AppCacheKey(packageName)

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var c cachedApp
			if err := json.Unmarshal(raw, &c); err == nil {
				app := c.App
				app.HashedAPIKey = c.HashedAPIKey
				return &app, nil
			}
		case !errors.Is(err, goredis.Nil):
			log.Warn().Err(err).Str("packageName", packageName).Msg("app cache read failed")
		}
	}

	app, err := s.apps.FindByPackageName(ctx, packageName)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if app == nil {
		return nil, nil
	}

	if s.cache != nil && s.ttl > 0 {
		data, err := json.Marshal(cachedApp{App: *app, HashedAPIKey: app.HashedAPIKey})
		if err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl).Err(); err != nil {
				log.Warn().Err(err).Str("packageName", packageName).Msg("app cache write failed")
			}
		}
	}
	return app, nil
}

// VerifyAPIKey checks a TPA's key against the stored hash. Unknown packages and bad
// keys are both authentication failures.
func (s *AppCatalogService) VerifyAPIKey(ctx context.Context, packageName, apiKey string) error {
	app, err := s.App(ctx, packageName)
	if err != nil {
		return err
	}
	if app == nil || apiKey == "" || !util.VerifyAPIKey(apiKey, app.HashedAPIKey) {
		return apperrors.AuthenticationFailure("invalid API key")
	}
	return nil
}

// UserSettings returns the stored settings for an installed app, or nil.
func (s *AppCatalogService) UserSettings(ctx context.Context, userID, packageName string) (json.RawMessage, error) {
	ua, err := s.userApps.Find(ctx, userID, packageName)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if ua == nil || len(ua.Settings) == 0 {
		return nil, nil
	}
	return json.RawMessage(ua.Settings), nil
}

// InstalledApps lists system apps followed by the user's own installs, without
// duplicates.
func (s *AppCatalogService) InstalledApps(ctx context.Context, userID string) ([]string, error) {
	system, err := s.apps.ListSystemApps(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	installed, err := s.userApps.ListInstalled(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	seen := make(map[string]bool, len(system)+len(installed))
	out := make([]string, 0, len(system)+len(installed))
	for _, app := range system {
		if !seen[app.PackageName] {
			seen[app.PackageName] = true
			out = append(out, app.PackageName)
		}
	}
	for _, pkg := range installed {
		if !seen[pkg] {
			seen[pkg] = true
			out = append(out, pkg)
		}
	}
	return out, nil
}

func (s *AppCatalogService) Install(ctx context.Context, userID, packageName string) error {
	app, err := s.App(ctx, packageName)
	if err != nil {
		return err
	}
	if app == nil {
		return apperrors.NotFound("app")
	}
	if err := s.userApps.Install(ctx, userID, packageName); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// Uninstall reports whether the app was installed.
func (s *AppCatalogService) Uninstall(ctx context.Context, userID, packageName string) (bool, error) {
	removed, err := s.userApps.Uninstall(ctx, userID, packageName)
	if err != nil {
		return false, apperrors.Database(err)
	}
	return removed, nil
}

// UpdateSettings replaces the user's settings for an installed app. Settings must
// be a JSON object.
func (s *AppCatalogService) UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(settings, &obj); err != nil || obj == nil {
		return apperrors.ValidationError("settings must be a JSON object")
	}

	updated, err := s.userApps.UpdateSettings(ctx, userID, packageName, settings)
	if err != nil {
		return apperrors.Database(err)
	}
	if !updated {
		return apperrors.AppNotInstalled(packageName)
	}
	return nil
}
