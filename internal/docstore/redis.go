// Package docstore is the adapter over the realtime Redis store that holds
// co-edit session records, their document nodes, and the presence branch the
// editor front-end maintains. Structural removals are announced on a per
// conversation pub/sub channel so observers never depend on Redis semantics.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ChildUsers is the presence branch under a document node. The front-end
	// removes it when the last editor disconnects.
	ChildUsers = "users"
	// ChildCheckpoint holds the document text.
	ChildCheckpoint = "checkpoint"

	fieldRevision     = "revision"
	fieldSeededAt     = "seededAt"
	fieldPresenceSeen = "presenceSeen"

	defaultPrefix = "coedit"
)

var (
	ErrNotFound       = errors.New("docstore: not found")
	ErrInvalidID      = errors.New("docstore: conversation id is required")
	ErrNoDocument     = errors.New("docstore: document does not exist")
	ErrUnknownChild   = errors.New("docstore: unknown document child")
	errEmptyRecordKey = errors.New("docstore: record has no creator")
)

// Record is the durable session record stored at sessions/{convId}.
// Timestamps are Unix milliseconds; zero means unset.
type Record struct {
	ConvID                 string
	TimeCreated            int64
	CreatorID              string
	PreviousSessionEndTime int64
	TimeEnded              int64
	// HasDocument reports whether the document node existed when the record
	// was read. It is never written.
	HasDocument bool
}

// RedisStore provides the durable session layout on top of Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix sets the key prefix. Default is "coedit"; an empty prefix keeps
// the default.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func New(client *redis.Client, opts ...Option) *RedisStore {
	store := &RedisStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) recordKey(convID string) string {
	return s.prefix + ":sessions:" + convID
}

func (s *RedisStore) documentKey(convID string) string {
	return s.recordKey(convID) + ":document"
}

func (s *RedisStore) usersKey(convID string) string {
	return s.documentKey(convID) + ":" + ChildUsers
}

func (s *RedisStore) eventsChannel(convID string) string {
	return s.prefix + ":events:" + convID
}

// GetRecord loads the durable record for convID, including whether its
// document node currently exists.
func (s *RedisStore) GetRecord(ctx context.Context, convID string) (Record, error) {
	if convID == "" {
		return Record{}, ErrInvalidID
	}
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, s.recordKey(convID))
	existsCmd := pipe.Exists(ctx, s.documentKey(convID))
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("docstore: load record: %w", err)
	}
	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	record := decodeRecord(convID, fields)
	record.HasDocument = existsCmd.Val() > 0
	return record, nil
}

// PutRecord replaces the durable record and adds it to the session index.
// Zero-valued optional fields are not written.
func (s *RedisStore) PutRecord(ctx context.Context, record Record) error {
	if record.ConvID == "" {
		return ErrInvalidID
	}
	if record.CreatorID == "" {
		return errEmptyRecordKey
	}
	key := s.recordKey(record.ConvID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, encodeRecord(record))
	pipe.SAdd(ctx, s.indexKey(), record.ConvID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docstore: save record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record that never produced a document. It refuses
// to run while the document node exists.
func (s *RedisStore) DeleteRecord(ctx context.Context, convID string) error {
	if convID == "" {
		return ErrInvalidID
	}
	exists, err := s.DocumentExists(ctx, convID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("docstore: delete record %s: document still exists", convID)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(convID))
	pipe.SRem(ctx, s.indexKey(), convID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docstore: delete record: %w", err)
	}
	return nil
}

// MarkEnded stamps the record with the time its session ended.
func (s *RedisStore) MarkEnded(ctx context.Context, convID string, endedAt int64) error {
	if convID == "" {
		return ErrInvalidID
	}
	key := s.recordKey(convID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("docstore: mark ended: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, key, "timeEnded", endedAt).Err(); err != nil {
		return fmt.Errorf("docstore: mark ended: %w", err)
	}
	return nil
}

func (s *RedisStore) DocumentExists(ctx context.Context, convID string) (bool, error) {
	if convID == "" {
		return false, ErrInvalidID
	}
	n, err := s.client.Exists(ctx, s.documentKey(convID)).Result()
	if err != nil {
		return false, fmt.Errorf("docstore: document exists: %w", err)
	}
	return n > 0, nil
}

// ListRecords returns every indexed record sorted by conversation id.
func (s *RedisStore) ListRecords(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore: list records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	fieldCmds := make([]*redis.MapStringStringCmd, len(ids))
	existsCmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		fieldCmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		existsCmds[i] = pipe.Exists(ctx, s.documentKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("docstore: list records: %w", err)
	}

	records := make([]Record, 0, len(ids))
	for i, id := range ids {
		fields := fieldCmds[i].Val()
		if len(fields) == 0 {
			// index entry without a record; the record was removed out of band
			continue
		}
		record := decodeRecord(id, fields)
		record.HasDocument = existsCmds[i].Val() > 0
		records = append(records, record)
	}
	return records, nil
}

// SweepOrphans marks records that never reached a document and are older than
// olderThan as ended. It returns the conversation ids it touched.
func (s *RedisStore) SweepOrphans(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error) {
	records, err := s.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-olderThan).UnixMilli()
	var swept []string
	for _, record := range records {
		if record.HasDocument || record.TimeEnded != 0 || record.TimeCreated > cutoff {
			continue
		}
		if err := s.MarkEnded(ctx, record.ConvID, record.TimeCreated); err != nil {
			return swept, err
		}
		swept = append(swept, record.ConvID)
	}
	return swept, nil
}

// DeleteDocument removes the document node and its presence branch, then
// announces a child_removed event for every child that existed.
func (s *RedisStore) DeleteDocument(ctx context.Context, convID string) error {
	if convID == "" {
		return ErrInvalidID
	}
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HKeys(ctx, s.documentKey(convID))
	usersCmd := pipe.Exists(ctx, s.usersKey(convID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docstore: delete document: %w", err)
	}

	if err := s.client.Del(ctx, s.documentKey(convID), s.usersKey(convID)).Err(); err != nil {
		return fmt.Errorf("docstore: delete document: %w", err)
	}

	var removed []string
	if usersCmd.Val() > 0 {
		removed = append(removed, ChildUsers)
	}
	for _, field := range fieldsCmd.Val() {
		if field == ChildCheckpoint {
			removed = append(removed, field)
		}
	}
	for _, child := range removed {
		if err := s.publishRemoved(ctx, convID, child); err != nil {
			return err
		}
	}
	return nil
}

// Join writes a presence entry for userID and marks the document as having
// had editors. The document must exist.
func (s *RedisStore) Join(ctx context.Context, convID, userID, displayName string) error {
	exists, err := s.DocumentExists(ctx, convID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoDocument
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.usersKey(convID), userID, displayName)
	pipe.HSetNX(ctx, s.documentKey(convID), fieldPresenceSeen, time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docstore: join: %w", err)
	}
	return nil
}

// Leave drops the presence entry for userID. When it was the last entry the
// presence branch is gone and a child_removed event is published.
func (s *RedisStore) Leave(ctx context.Context, convID, userID string) error {
	if convID == "" {
		return ErrInvalidID
	}
	pipe := s.client.TxPipeline()
	delCmd := pipe.HDel(ctx, s.usersKey(convID), userID)
	lenCmd := pipe.HLen(ctx, s.usersKey(convID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docstore: leave: %w", err)
	}
	if delCmd.Val() > 0 && lenCmd.Val() == 0 {
		return s.publishRemoved(ctx, convID, ChildUsers)
	}
	return nil
}

// Presence is the presence branch of a document node.
type Presence struct {
	// Editors maps the user ids currently in the editor to display names.
	Editors map[string]string
	// Seen reports whether anyone ever joined the document.
	Seen bool
}

// Departed reports whether editors joined and all of them have left.
func (p Presence) Departed() bool {
	return p.Seen && len(p.Editors) == 0
}

func (s *RedisStore) Presence(ctx context.Context, convID string) (Presence, error) {
	if convID == "" {
		return Presence{}, ErrInvalidID
	}
	pipe := s.client.Pipeline()
	usersCmd := pipe.HGetAll(ctx, s.usersKey(convID))
	seenCmd := pipe.HExists(ctx, s.documentKey(convID), fieldPresenceSeen)
	if _, err := pipe.Exec(ctx); err != nil {
		return Presence{}, fmt.Errorf("docstore: presence: %w", err)
	}
	return Presence{Editors: usersCmd.Val(), Seen: seenCmd.Val()}, nil
}

// RemoveChild deletes one child of the document node and publishes the
// corresponding event. The document node itself stays.
func (s *RedisStore) RemoveChild(ctx context.Context, convID, child string) error {
	var (
		removed int64
		err     error
	)
	switch child {
	case ChildUsers:
		removed, err = s.client.Del(ctx, s.usersKey(convID)).Result()
	case ChildCheckpoint:
		removed, err = s.client.HDel(ctx, s.documentKey(convID), child).Result()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownChild, child)
	}
	if err != nil {
		return fmt.Errorf("docstore: remove %s: %w", child, err)
	}
	if removed == 0 {
		return nil
	}
	return s.publishRemoved(ctx, convID, child)
}

func (s *RedisStore) publishRemoved(ctx context.Context, convID, child string) error {
	payload, err := json.Marshal(Event{
		Type:  EventChildRemoved,
		Path:  "sessions/" + convID + "/document/" + child,
		Child: child,
	})
	if err != nil {
		return fmt.Errorf("docstore: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.eventsChannel(convID), payload).Err(); err != nil {
		return fmt.Errorf("docstore: publish event: %w", err)
	}
	return nil
}

func encodeRecord(record Record) map[string]any {
	fields := map[string]any{
		"timeCreated": record.TimeCreated,
		"creatorId":   record.CreatorID,
	}
	if record.PreviousSessionEndTime != 0 {
		fields["previousSessionEndTime"] = record.PreviousSessionEndTime
	}
	if record.TimeEnded != 0 {
		fields["timeEnded"] = record.TimeEnded
	}
	return fields
}

func decodeRecord(convID string, fields map[string]string) Record {
	return Record{
		ConvID:                 convID,
		TimeCreated:            parseMillis(fields["timeCreated"]),
		CreatorID:              fields["creatorId"],
		PreviousSessionEndTime: parseMillis(fields["previousSessionEndTime"]),
		TimeEnded:              parseMillis(fields["timeEnded"]),
	}
}

func parseMillis(value string) int64 {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
