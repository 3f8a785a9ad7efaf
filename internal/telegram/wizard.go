package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// providerWizardState tracks the private-chat provider setup flow. The API
// key itself never touches redis, only whether one was provided.
type providerWizardState struct {
	TargetChatID int64  `json:"target_chat_id"`
	Step         string `json:"step"`
	Name         string `json:"name"`
	BaseURL      string `json:"base_url"`
	AuthMethod   string `json:"auth_method"`
	APIKeySet    bool   `json:"api_key_set"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func wizardKey(userID int64) string {
	return fmt.Sprintf("polybot:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state providerWizardState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal wizard state: %w", err)
	}
	return w.redis.Set(ctx, wizardKey(userID), encoded, w.ttl).Err()
}

// Get returns nil without error when no wizard is in progress.
func (w *wizardStore) Get(ctx context.Context, userID int64) (*providerWizardState, error) {
	raw, err := w.redis.Get(ctx, wizardKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := new(providerWizardState)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("unmarshal wizard state: %w", err)
	}
	return state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, wizardKey(userID)).Err()
}
