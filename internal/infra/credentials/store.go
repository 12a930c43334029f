package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"server/internal/infra"
	"server/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
)

// Store reads and writes user-supplied gateway keys. The job pipeline only
// ever reads; writes come from the key-management endpoints.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Key returns the stored key for an owner and provider, or "" when none is
// configured.
func (s *Store) Key(ctx context.Context, ownerID, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectGatewayKey, ownerID, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetKey stores or replaces an owner's key for a provider.
func (s *Store) SetKey(ctx context.Context, ownerID, provider, key string, props map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credentials: key is required")
	}
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertGatewayKey, ownerID, provider, key, raw)
	return err
}

// KeyInfo describes a configured provider without exposing the key itself.
type KeyInfo struct {
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Providers lists which providers an owner has keys for.
func (s *Store) Providers(ctx context.Context, ownerID string) ([]KeyInfo, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListGatewayKeyProviders, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var infos []KeyInfo
	for rows.Next() {
		var info KeyInfo
		if err := rows.Scan(&info.Provider, &info.UpdatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
