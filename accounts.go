package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Assistant holds the AI assistant configuration attached to an account.
type Assistant struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Instructions string `db:"instructions"`
	Model        string `db:"model"`
}

// SocialAccount is one connected messaging account (Instagram or WhatsApp).
// PlatformUserID is the platform-side identity webhook events address as the
// recipient.
type SocialAccount struct {
	ID                  string     `db:"id"`
	Platform            string     `db:"platform"`
	PlatformUserID      string     `db:"platform_user_id"`
	AccessToken         string     `db:"access_token"`
	AssistantID         string     `db:"assistant_id"`
	IsActive            bool       `db:"is_active"`
	ReplyTimeoutSeconds int        `db:"reply_timeout_seconds"`
	Assistant           *Assistant `db:"-"`
}

// ReplyTimeout is the delay before a deferred handoff re-check fires.
func (a *SocialAccount) ReplyTimeout() time.Duration {
	return time.Duration(a.ReplyTimeoutSeconds) * time.Second
}

// AccountStore looks up social accounts by their platform identity. Results
// are cached briefly because every webhook event triggers a lookup.
type AccountStore struct {
	db    *sqlx.DB
	cache *cache.Cache
}

func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{
		db:    db,
		cache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

type accountRow struct {
	ID                  string         `db:"id"`
	Platform            string         `db:"platform"`
	PlatformUserID      string         `db:"platform_user_id"`
	AccessToken         string         `db:"access_token"`
	AssistantID         sql.NullString `db:"assistant_id"`
	IsActive            bool           `db:"is_active"`
	ReplyTimeoutSeconds int            `db:"reply_timeout_seconds"`
	AsstName            sql.NullString `db:"asst_name"`
	AsstInstructions    sql.NullString `db:"asst_instructions"`
	AsstModel           sql.NullString `db:"asst_model"`
}

// FindByPlatformUserID returns the account owning the given platform identity
// together with its assistant, or (nil, nil) when no account is registered.
func (s *AccountStore) FindByPlatformUserID(ctx context.Context, platformUserID string) (*SocialAccount, error) {
	if cached, found := s.cache.Get(platformUserID); found {
		return cached.(*SocialAccount), nil
	}

	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT a.id, a.platform, a.platform_user_id, a.access_token,
		       a.assistant_id, a.is_active, a.reply_timeout_seconds,
		       s.name AS asst_name, s.instructions AS asst_instructions, s.model AS asst_model
		FROM social_accounts a
		LEFT JOIN assistants s ON s.id = a.assistant_id
		WHERE a.platform_user_id = $1`,
		platformUserID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query social account: %w", err)
	}

	account := &SocialAccount{
		ID:                  row.ID,
		Platform:            row.Platform,
		PlatformUserID:      row.PlatformUserID,
		AccessToken:         row.AccessToken,
		AssistantID:         row.AssistantID.String,
		IsActive:            row.IsActive,
		ReplyTimeoutSeconds: row.ReplyTimeoutSeconds,
	}
	if row.AssistantID.Valid {
		account.Assistant = &Assistant{
			ID:           row.AssistantID.String,
			Name:         row.AsstName.String,
			Instructions: row.AsstInstructions.String,
			Model:        row.AsstModel.String,
		}
	}

	s.cache.Set(platformUserID, account, cache.DefaultExpiration)
	log.Debug().Str("platformUserID", platformUserID).Str("accountID", account.ID).Msg("Social account loaded")
	return account, nil
}

// Invalidate drops a cached account, forcing the next lookup to hit the
// database. Called when account configuration changes.
func (s *AccountStore) Invalidate(platformUserID string) {
	s.cache.Delete(platformUserID)
}
