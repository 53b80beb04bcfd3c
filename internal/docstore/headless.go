package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Headless talks to the document node the way a headless editor client
// would: it seeds the text and reads the latest checkpoint. Operational
// transforms between browsers happen in the front-end library.
type Headless struct {
	store *RedisStore
	now   func() time.Time
}

func NewHeadless(store *RedisStore) *Headless {
	return &Headless{store: store, now: time.Now}
}

// SetText creates (or resets) the document node with text as its content.
func (h *Headless) SetText(ctx context.Context, convID, text string) error {
	if convID == "" {
		return ErrInvalidID
	}
	err := h.store.client.HSet(ctx, h.store.documentKey(convID),
		ChildCheckpoint, text,
		fieldRevision, 0,
		fieldSeededAt, h.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("docstore: set text: %w", err)
	}
	return nil
}

// GetText returns the current document content. A document whose checkpoint
// was removed reads as empty.
func (h *Headless) GetText(ctx context.Context, convID string) (string, error) {
	exists, err := h.store.DocumentExists(ctx, convID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrNoDocument
	}
	text, err := h.store.client.HGet(ctx, h.store.documentKey(convID), ChildCheckpoint).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("docstore: get text: %w", err)
	}
	return text, nil
}

// WriteText stores a new checkpoint on an existing document and bumps the
// revision counter. It returns the new revision.
func (h *Headless) WriteText(ctx context.Context, convID, text string) (int64, error) {
	exists, err := h.store.DocumentExists(ctx, convID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNoDocument
	}
	key := h.store.documentKey(convID)
	pipe := h.store.client.TxPipeline()
	pipe.HSet(ctx, key, ChildCheckpoint, text)
	revision := pipe.HIncrBy(ctx, key, fieldRevision, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("docstore: write text: %w", err)
	}
	return revision.Val(), nil
}
