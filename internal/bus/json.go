package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, b Bus, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Set(ctx, key, raw, ttl)
}

// SetNXJSON marshals v and stores it under key if the key is free.
func SetNXJSON(ctx context.Context, b Bus, key string, v any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.SetNX(ctx, key, raw, ttl)
}

// GetJSON loads key into v and reports whether it was present.
func GetJSON(ctx context.Context, b Bus, key string, v any) (bool, error) {
	raw, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// GetDelJSON atomically consumes key into v and reports whether it was
// present.
func GetDelJSON(ctx context.Context, b Bus, key string, v any) (bool, error) {
	raw, ok, err := b.GetDel(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}
