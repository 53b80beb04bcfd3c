package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"coedit/api/internal/auth"
	"coedit/api/internal/config"
	"coedit/api/internal/docstore"
	"coedit/api/internal/gateway"
	"coedit/api/internal/metrics"
	"coedit/api/internal/rbac"
	"coedit/api/internal/store"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const defaultOperationTimeout = 30 * time.Second

// Platform is the part of the messaging platform the session manager uses.
type Platform interface {
	SelfID() string
	GetConversation(ctx context.Context, convID string) (gateway.Conversation, error)
	GetConversationsByIDs(ctx context.Context, convIDs []string) ([]gateway.Conversation, error)
	GetUser(ctx context.Context, userID string) (gateway.User, error)
	AddTextItem(ctx context.Context, convID string, item gateway.TextItem) (gateway.Item, error)
	UpdateTextItem(ctx context.Context, item gateway.TextItem) error
	FetchAttachment(ctx context.Context, rawURL string) ([]byte, error)
}

type durableStore interface {
	Ping(ctx context.Context) error
	GetRecord(ctx context.Context, convID string) (docstore.Record, error)
	PutRecord(ctx context.Context, record docstore.Record) error
	DeleteRecord(ctx context.Context, convID string) error
	MarkEnded(ctx context.Context, convID string, endedAt int64) error
	DocumentExists(ctx context.Context, convID string) (bool, error)
	Presence(ctx context.Context, convID string) (docstore.Presence, error)
	ListRecords(ctx context.Context) ([]docstore.Record, error)
	SweepOrphans(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error)
	DeleteDocument(ctx context.Context, convID string) error
	Subscribe(ctx context.Context, convID string) (*docstore.Subscription, error)
}

type syncEngine interface {
	SetText(ctx context.Context, convID, text string) error
	GetText(ctx context.Context, convID string) (string, error)
}

type HistoryLedger interface {
	RecordSession(ctx context.Context, summary store.SessionSummary) error
}

type DocumentArchive interface {
	PutDocument(ctx context.Context, convID string, endedAt time.Time, text string) (string, error)
}

// Session is a read-only view of a live co-edit session.
type Session struct {
	ConvID         string
	CreatorID      string
	TimeCreated    time.Time
	Participants   []string
	Joined         []string
	AnnouncementID string
	DefaultText    string
}

type liveSession struct {
	convID         string
	creatorID      string
	timeCreated    time.Time
	participants   []string
	tokens         map[string]string
	joined         map[string]string
	joinOrder      []string
	announcementID string
	defaultText    string
	sub            *docstore.Subscription
}

type Option func(*Service)

func WithHistory(history HistoryLedger) Option {
	return func(s *Service) {
		s.history = history
	}
}

func WithArchive(archive DocumentArchive) Option {
	return func(s *Service) {
		s.archive = archive
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service owns the registry of live sessions and every transition on it.
// Transitions on one conversation are serialized; each re-checks the
// registry and the durable store after taking the conversation's lock.
type Service struct {
	cfg      config.Config
	store    durableStore
	engine   syncEngine
	platform Platform
	history  HistoryLedger
	archive  DocumentArchive
	metrics  *metrics.Metrics
	logger   logr.Logger
	now      func() time.Time
	secret   []byte

	locks      *keyedMutex
	mu         sync.RWMutex
	sessions   map[string]*liveSession
	identities map[string]string
	watchers   sync.WaitGroup
}

func New(cfg config.Config, durable durableStore, engine syncEngine, platform Platform, logger logr.Logger, opts ...Option) *Service {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	s := &Service{
		cfg:        cfg,
		store:      durable,
		engine:     engine,
		platform:   platform,
		logger:     logger.WithName("sessions"),
		now:        time.Now,
		secret:     []byte(cfg.TokenSecret),
		locks:      newKeyedMutex(),
		sessions:   make(map[string]*liveSession),
		identities: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the durable store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Run dispatches platform events until ctx is done or events is closed.
// Events of one conversation are handled in arrival order; conversations
// proceed in parallel. Run waits for queued events on return.
func (s *Service) Run(ctx context.Context, events <-chan gateway.Event) {
	queue := newEventQueue(func(event gateway.Event) {
		s.dispatch(ctx, event)
	})
	defer queue.wait()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			queue.push(eventConvID(event), event)
		}
	}
}

func eventConvID(event gateway.Event) string {
	switch {
	case event.Item != nil:
		return event.Item.ConvID
	case event.Conversation != nil:
		return event.Conversation.ConvID
	}
	return ""
}

func (s *Service) dispatch(ctx context.Context, event gateway.Event) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OperationTimeout)
	defer cancel()

	switch event.Type {
	case gateway.EventItemAdded:
		if event.Item == nil {
			return
		}
		if err := s.HandleItem(opCtx, *event.Item); err != nil {
			if isPrecondition(err) {
				s.logger.V(1).Info("command rejected", "convId", event.Item.ConvID, "reason", err.Error())
				return
			}
			s.logger.Error(err, "command failed", "convId", event.Item.ConvID, "itemId", event.Item.ItemID)
		}
	case gateway.EventConversationUpdated:
		if event.Conversation != nil {
			s.HandleConversationUpdated(*event.Conversation)
		}
	}
}

func isPrecondition(err error) bool {
	return errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrNotCreator) ||
		errors.Is(err, ErrOrphanedSession)
}

// HandleItem reacts to the start and stop commands. Items that are not text,
// or that the bot posted itself, are ignored.
func (s *Service) HandleItem(ctx context.Context, item gateway.Item) error {
	if item.Type != gateway.ItemTypeText || item.Text == "" {
		return nil
	}
	if self := s.platform.SelfID(); self != "" && item.CreatorID == self {
		return nil
	}
	switch {
	case strings.HasPrefix(item.Text, commandStart):
		return s.StartSession(ctx, item)
	case strings.HasPrefix(item.Text, commandStop):
		return s.StopSession(ctx, item)
	}
	return nil
}

// HandleConversationUpdated replaces the membership of a live session.
func (s *Service) HandleConversationUpdated(conversation gateway.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.sessions[conversation.ConvID]
	if !ok || sameMembers(live.participants, conversation.Participants) {
		return
	}
	live.participants = slices.Clone(conversation.Participants)
	s.logger.V(1).Info("membership updated", "convId", conversation.ConvID, "participants", len(live.participants))
}

// StartSession creates the session for item's conversation, or replies that
// one already exists.
func (s *Service) StartSession(ctx context.Context, item gateway.Item) error {
	convID := item.ConvID
	if convID == "" || item.CreatorID == "" {
		return fmt.Errorf("start session: conversation and creator are required")
	}
	unlock := s.locks.Lock(convID)
	defer unlock()
	logger := s.logger.WithValues("convId", convID)

	exists, err := s.store.DocumentExists(ctx, convID)
	if err != nil {
		return s.abortStart(ctx, item, nil, fmt.Errorf("check document: %w", err))
	}
	if exists || s.lookup(convID) != nil {
		s.reply(ctx, item, fmt.Sprintf(msgSessionExists, joinLink(s.cfg.PublicURL, convID)))
		return ErrSessionExists
	}

	var (
		conversation gateway.Conversation
		previous     docstore.Record
		hadPrevious  bool
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		conversation, err = s.platform.GetConversation(groupCtx, convID)
		return err
	})
	group.Go(func() error {
		record, err := s.store.GetRecord(groupCtx, convID)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		previous, hadPrevious = record, true
		return nil
	})
	if err := group.Wait(); err != nil {
		return s.abortStart(ctx, item, nil, fmt.Errorf("load conversation: %w", err))
	}

	created := s.now()
	record := docstore.Record{
		ConvID:      convID,
		TimeCreated: created.UnixMilli(),
		CreatorID:   item.CreatorID,
	}
	if hadPrevious {
		record.PreviousSessionEndTime = previousEnd(previous)
	}
	if err := s.store.PutRecord(ctx, record); err != nil {
		return s.abortStart(ctx, item, nil, fmt.Errorf("write session record: %w", err))
	}
	rollback := func(ctx context.Context) {
		s.rollbackStart(ctx, convID, previous, hadPrevious)
	}

	seed, err := s.seedText(ctx, item)
	if err != nil {
		return s.abortStart(ctx, item, rollback, fmt.Errorf("fetch seed text: %w", err))
	}
	sub, err := s.store.Subscribe(ctx, convID)
	if err != nil {
		return s.abortStart(ctx, item, rollback, err)
	}
	if err := s.engine.SetText(ctx, convID, seed); err != nil {
		_ = sub.Close()
		return s.abortStart(ctx, item, rollback, fmt.Errorf("initialize document: %w", err))
	}

	live := &liveSession{
		convID:       convID,
		creatorID:    item.CreatorID,
		timeCreated:  time.UnixMilli(record.TimeCreated),
		participants: slices.Clone(conversation.Participants),
		tokens:       make(map[string]string),
		joined:       make(map[string]string),
		defaultText:  seed,
		sub:          sub,
	}
	s.insert(live)
	s.metrics.SessionCreated()
	logger.Info("session started", "creatorId", item.CreatorID, "seeded", seed != "")

	creator := s.displayName(ctx, item.CreatorID)
	posted, err := s.platform.AddTextItem(ctx, convID, gateway.TextItem{
		ParentID: item.ThreadID(),
		Content:  fmt.Sprintf(msgSessionCreated, creator, joinLink(s.cfg.PublicURL, convID)),
	})
	if err != nil {
		// the session is live; the summary is posted as a new message instead
		logger.Error(err, "post announcement")
		return nil
	}
	s.mu.Lock()
	live.announcementID = posted.ItemID
	s.mu.Unlock()
	return nil
}

func (s *Service) abortStart(ctx context.Context, item gateway.Item, rollback func(context.Context), cause error) error {
	s.logger.Error(cause, "start session failed", "convId", item.ConvID)
	if rollback != nil {
		rollback(ctx)
	}
	s.reply(ctx, item, msgCreateFailed)
	return fmt.Errorf("start session: %w", cause)
}

// rollbackStart removes what a failed start wrote, restoring the record of
// the previous session when there was one.
func (s *Service) rollbackStart(ctx context.Context, convID string, previous docstore.Record, hadPrevious bool) {
	logger := s.logger.WithValues("convId", convID)
	exists, err := s.store.DocumentExists(ctx, convID)
	if err != nil {
		logger.Error(err, "rollback: check document")
		return
	}
	if exists {
		if err := s.store.DeleteDocument(ctx, convID); err != nil {
			logger.Error(err, "rollback: delete document")
			return
		}
	}
	if hadPrevious {
		if err := s.store.PutRecord(ctx, previous); err != nil {
			logger.Error(err, "rollback: restore previous record")
		}
		return
	}
	if err := s.store.DeleteRecord(ctx, convID); err != nil {
		logger.Error(err, "rollback: delete record")
	}
}

func previousEnd(record docstore.Record) int64 {
	if record.TimeEnded != 0 {
		return record.TimeEnded
	}
	return record.TimeCreated
}

// seedText returns the content of the first plain-text attachment.
func (s *Service) seedText(ctx context.Context, item gateway.Item) (string, error) {
	for _, attachment := range item.Attachments {
		if attachment.MimeType != documentMimeType {
			continue
		}
		data, err := s.platform.FetchAttachment(ctx, attachment.URL)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", nil
}

// StopSession ends the session on behalf of the command's author.
func (s *Service) StopSession(ctx context.Context, item gateway.Item) error {
	convID := item.ConvID
	unlock := s.locks.Lock(convID)
	defer unlock()
	logger := s.logger.WithValues("convId", convID)

	exists, err := s.store.DocumentExists(ctx, convID)
	if err != nil {
		s.reply(ctx, item, msgEndFailed)
		return fmt.Errorf("stop session: %w", err)
	}
	if !exists {
		s.reply(ctx, item, msgSessionMissing)
		return ErrSessionNotFound
	}
	creatorID, err := s.creatorOf(ctx, convID)
	if err != nil {
		s.reply(ctx, item, msgEndFailed)
		return fmt.Errorf("stop session: %w", err)
	}
	if item.CreatorID != creatorID {
		s.reply(ctx, item, msgNotAllowed)
		return ErrNotCreator
	}

	live := s.lookup(convID)
	if live == nil {
		if err := s.terminateOrphan(ctx, convID); err != nil {
			s.reply(ctx, item, msgEndFailed)
			return fmt.Errorf("stop session: %w", err)
		}
		logger.Info("orphaned session terminated")
		s.reply(ctx, item, msgOrphaned)
		return ErrOrphanedSession
	}

	if err := s.finish(ctx, live, store.TriggerStop); err != nil {
		logger.Error(err, "end session")
		s.reply(ctx, item, msgEndFailed)
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// CloseSession ends the session from the editor. Only the creator holding
// its current token may do so.
func (s *Service) CloseSession(ctx context.Context, userID, convID, token string) error {
	unlock := s.locks.Lock(convID)
	defer unlock()

	live := s.lookup(convID)
	if live == nil {
		return ErrSessionNotFound
	}
	if !rbac.Can(s.roleOf(live, userID), rbac.ActionClose) || !s.TokenValid(userID, convID, token) {
		return ErrNotCreator
	}
	exists, err := s.store.DocumentExists(ctx, convID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if !exists {
		s.reap(ctx, live)
		return ErrSessionNotFound
	}
	if err := s.finish(ctx, live, store.TriggerHTTP); err != nil {
		s.logger.Error(err, "close session", "convId", convID)
		return err
	}
	return nil
}

func (s *Service) creatorOf(ctx context.Context, convID string) (string, error) {
	record, err := s.store.GetRecord(ctx, convID)
	if err == nil {
		return record.CreatorID, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return "", err
	}
	if live := s.lookup(convID); live != nil {
		return live.creatorID, nil
	}
	return "", nil
}

func (s *Service) terminateOrphan(ctx context.Context, convID string) error {
	if err := s.store.DeleteDocument(ctx, convID); err != nil {
		return err
	}
	if err := s.store.MarkEnded(ctx, convID, s.now().UnixMilli()); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.logger.Error(err, "mark orphan ended", "convId", convID)
	}
	return nil
}

// finish uploads the document and tears the session down. The caller holds
// the conversation's lock and has checked live is still registered. On error
// the session stays live.
func (s *Service) finish(ctx context.Context, live *liveSession, trigger string) error {
	text, err := s.engine.GetText(ctx, live.convID)
	if err != nil {
		s.metrics.FinalizeFailed()
		return fmt.Errorf("read document: %w", err)
	}
	endedAt := s.now()
	view := s.view(live)
	if err := s.uploadDocument(ctx, view, text, endedAt); err != nil {
		s.metrics.FinalizeFailed()
		return err
	}
	archiveKey := s.archiveDocument(ctx, live.convID, endedAt, text)
	if err := s.endSession(ctx, live, endedAt); err != nil {
		return err
	}
	s.recordHistory(ctx, store.SessionSummary{
		ConvID:       view.ConvID,
		CreatorID:    view.CreatorID,
		StartedAt:    view.TimeCreated,
		EndedAt:      endedAt,
		Trigger:      trigger,
		Participants: view.Joined,
		Edited:       text != "",
		ArchiveKey:   archiveKey,
	})
	s.metrics.SessionEnded(trigger)
	s.logger.Info("session ended", "convId", live.convID, "trigger", trigger, "edited", text != "")
	return nil
}

// uploadDocument posts the summary with the document attached, or the
// no-edits notice, in place of the announcement.
func (s *Service) uploadDocument(ctx context.Context, view Session, text string, endedAt time.Time) error {
	item := gateway.TextItem{Content: msgEndedWithoutEdits}
	if text != "" {
		creator, err := s.platform.GetUser(ctx, view.CreatorID)
		if err != nil {
			return fmt.Errorf("load creator: %w", err)
		}
		item.Content = endedSummary(creator.Name(), view.Joined, endedAt.Sub(view.TimeCreated))
		item.Attachments = []gateway.File{{
			Name:     fmt.Sprintf("%d.txt", endedAt.UnixMilli()),
			MimeType: documentMimeType,
			Data:     []byte(text),
		}}
	}
	if view.AnnouncementID == "" {
		if _, err := s.platform.AddTextItem(ctx, view.ConvID, item); err != nil {
			return fmt.Errorf("post summary: %w", err)
		}
		return nil
	}
	item.ItemID = view.AnnouncementID
	if err := s.platform.UpdateTextItem(ctx, item); err != nil {
		return fmt.Errorf("update announcement: %w", err)
	}
	return nil
}

func (s *Service) archiveDocument(ctx context.Context, convID string, endedAt time.Time, text string) string {
	if s.archive == nil || text == "" {
		return ""
	}
	key, err := s.archive.PutDocument(ctx, convID, endedAt, text)
	if err != nil {
		s.logger.Error(err, "archive document", "convId", convID)
		return ""
	}
	return key
}

// endSession deletes the document node, then drops the registry entry.
func (s *Service) endSession(ctx context.Context, live *liveSession, endedAt time.Time) error {
	if err := s.store.DeleteDocument(ctx, live.convID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	s.remove(live)
	if err := s.store.MarkEnded(ctx, live.convID, endedAt.UnixMilli()); err != nil {
		s.logger.Error(err, "mark session ended", "convId", live.convID)
	}
	return nil
}

func (s *Service) recordHistory(ctx context.Context, summary store.SessionSummary) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordSession(ctx, summary); err != nil {
		s.logger.Error(err, "record session history", "convId", summary.ConvID)
	}
}

func (s *Service) watch(live *liveSession) {
	defer s.watchers.Done()
	for event := range live.sub.Events() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
		_ = s.handleDocumentEvent(ctx, live, event)
		cancel()
	}
}

// handleDocumentEvent finalizes the session when the presence branch is
// removed while the document node still exists. A document node removed
// behind the service's back drops the registry entry without an upload.
func (s *Service) handleDocumentEvent(ctx context.Context, live *liveSession, event docstore.Event) error {
	if event.Type != docstore.EventChildRemoved {
		return nil
	}
	unlock := s.locks.Lock(live.convID)
	defer unlock()
	if s.lookup(live.convID) != live {
		return nil
	}
	logger := s.logger.WithValues("convId", live.convID, "child", event.Child)

	exists, err := s.store.DocumentExists(ctx, live.convID)
	if err != nil {
		logger.Error(err, "check document after removal")
		return err
	}
	if !exists {
		s.reap(ctx, live)
		return nil
	}
	if event.Child != docstore.ChildUsers {
		return nil
	}
	return s.finishDeparture(ctx, live)
}

// finishDeparture finalizes a session whose editors have all left. An upload
// failure is reported in the conversation and the session stays live.
func (s *Service) finishDeparture(ctx context.Context, live *liveSession) error {
	if err := s.finish(ctx, live, store.TriggerDeparture); err != nil {
		logger := s.logger.WithValues("convId", live.convID)
		logger.Error(err, "end session after last participant left")
		if _, postErr := s.platform.AddTextItem(ctx, live.convID, gateway.TextItem{Content: msgUploadFailed}); postErr != nil {
			logger.Error(postErr, "report upload failure")
		}
		return err
	}
	return nil
}

func (s *Service) reap(ctx context.Context, live *liveSession) {
	view := s.view(live)
	endedAt := s.now()
	s.remove(live)
	s.recordHistory(ctx, store.SessionSummary{
		ConvID:       view.ConvID,
		CreatorID:    view.CreatorID,
		StartedAt:    view.TimeCreated,
		EndedAt:      endedAt,
		Trigger:      store.TriggerAdmin,
		Participants: view.Joined,
	})
	s.metrics.SessionEnded(store.TriggerAdmin)
	s.logger.Info("session removed externally", "convId", live.convID)
}

// Recover rebuilds the registry from durable records whose document node
// exists. Records without one are left alone. It returns the number of
// sessions restored.
func (s *Service) Recover(ctx context.Context) (int, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	var active []docstore.Record
	for _, record := range records {
		if record.HasDocument {
			active = append(active, record)
		}
	}
	if len(active) == 0 {
		return 0, nil
	}

	ids := make([]string, len(active))
	for i, record := range active {
		ids[i] = record.ConvID
	}
	conversations, err := s.platform.GetConversationsByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("recover: resolve membership: %w", err)
	}
	membership := make(map[string][]string, len(conversations))
	for _, conversation := range conversations {
		membership[conversation.ConvID] = conversation.Participants
	}

	restored := 0
	for _, record := range active {
		ok, err := s.restore(ctx, record, membership[record.ConvID])
		if err != nil {
			s.logger.Error(err, "restore session", "convId", record.ConvID)
			continue
		}
		if ok {
			restored++
		}
	}
	s.logger.Info("recovery complete", "records", len(records), "restored", restored)
	return restored, nil
}

func (s *Service) restore(ctx context.Context, record docstore.Record, participants []string) (bool, error) {
	unlock := s.locks.Lock(record.ConvID)
	defer unlock()
	if s.lookup(record.ConvID) != nil {
		return false, nil
	}
	sub, err := s.store.Subscribe(ctx, record.ConvID)
	if err != nil {
		return false, err
	}
	exists, err := s.store.DocumentExists(ctx, record.ConvID)
	if err != nil || !exists {
		_ = sub.Close()
		return false, err
	}
	presence, err := s.store.Presence(ctx, record.ConvID)
	if err != nil {
		_ = sub.Close()
		return false, err
	}
	live := &liveSession{
		convID:       record.ConvID,
		creatorID:    record.CreatorID,
		timeCreated:  time.UnixMilli(record.TimeCreated),
		participants: slices.Clone(participants),
		tokens:       make(map[string]string),
		joined:       make(map[string]string),
		sub:          sub,
	}
	s.insert(live)
	if !presence.Departed() {
		return true, nil
	}

	// the last editor left while nothing was observing the document
	if s.finishDeparture(ctx, live) != nil {
		return true, nil
	}
	s.logger.Info("session ended during recovery", "convId", record.ConvID)
	return false, nil
}

// SweepOrphans marks records stuck before their document was created, and
// older than olderThan, as ended.
func (s *Service) SweepOrphans(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, nil
	}
	swept, err := s.store.SweepOrphans(ctx, olderThan, s.now())
	if err != nil {
		return swept, fmt.Errorf("sweep orphans: %w", err)
	}
	if len(swept) > 0 {
		s.logger.Info("orphaned records swept", "count", len(swept))
	}
	return swept, nil
}

// Shutdown stops every observer and waits for in-flight handlers. Durable
// state is kept for the next start.
func (s *Service) Shutdown() {
	s.mu.Lock()
	subs := make([]*docstore.Subscription, 0, len(s.sessions))
	for _, live := range s.sessions {
		subs = append(subs, live.sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	s.watchers.Wait()
}

// IssueToken mints a credential for userID scoped to convID and records it
// as the user's current token.
func (s *Service) IssueToken(userID, convID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.sessions[convID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if !rbac.Can(roleIn(live, userID), rbac.ActionEdit) {
		return "", ErrNotParticipant
	}
	token, _, err := auth.IssueToken(s.secret, userID, convID, s.cfg.TokenTTL, s.now())
	if err != nil {
		return "", err
	}
	live.tokens[userID] = token
	return token, nil
}

// ValidateToken verifies a credential's signature and expiry.
func (s *Service) ValidateToken(token string) (auth.Claims, error) {
	return auth.ParseToken(s.secret, token)
}

// TokenValid reports whether token is the current, unexpired credential of
// userID for convID.
func (s *Service) TokenValid(userID, convID, token string) bool {
	if token == "" || userID == "" {
		return false
	}
	s.mu.RLock()
	live, ok := s.sessions[convID]
	current := ok && live.tokens[userID] == token
	s.mu.RUnlock()
	if !current {
		return false
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		return false
	}
	return claims.UID == userID && claims.Scope.ConvID == convID
}

func (s *Service) IsParticipant(userID, convID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.sessions[convID]
	return ok && slices.Contains(live.participants, userID)
}

// AddJoinedParticipant records that userID opened the editor. The first
// display name seen for a user is kept.
func (s *Service) AddJoinedParticipant(convID, userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.sessions[convID]
	if !ok || userID == "" {
		return
	}
	if _, seen := live.joined[userID]; seen {
		return
	}
	live.joined[userID] = displayName
	live.joinOrder = append(live.joinOrder, userID)
}

func (s *Service) RememberIdentity(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[userID] = displayName
}

func (s *Service) Identity(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.identities[userID]
	return name, ok
}

func (s *Service) Session(convID string) (Session, bool) {
	live := s.lookup(convID)
	if live == nil {
		return Session{}, false
	}
	return s.view(live), true
}

// Sessions lists live sessions ordered by conversation id.
func (s *Service) Sessions() []Session {
	s.mu.RLock()
	lives := make([]*liveSession, 0, len(s.sessions))
	for _, live := range s.sessions {
		lives = append(lives, live)
	}
	s.mu.RUnlock()
	sort.Slice(lives, func(i, j int) bool { return lives[i].convID < lives[j].convID })

	views := make([]Session, len(lives))
	for i, live := range lives {
		views[i] = s.view(live)
	}
	return views
}

func (s *Service) view(live *liveSession) Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	joined := make([]string, 0, len(live.joinOrder))
	for _, userID := range live.joinOrder {
		joined = append(joined, live.joined[userID])
	}
	return Session{
		ConvID:         live.convID,
		CreatorID:      live.creatorID,
		TimeCreated:    live.timeCreated,
		Participants:   slices.Clone(live.participants),
		Joined:         joined,
		AnnouncementID: live.announcementID,
		DefaultText:    live.defaultText,
	}
}

func (s *Service) roleOf(live *liveSession, userID string) rbac.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return roleIn(live, userID)
}

func roleIn(live *liveSession, userID string) rbac.Role {
	return rbac.RoleFor(userID, live.creatorID, slices.Contains(live.participants, userID))
}

func (s *Service) lookup(convID string) *liveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[convID]
}

// insert registers live and starts its observer.
func (s *Service) insert(live *liveSession) {
	s.mu.Lock()
	s.sessions[live.convID] = live
	active := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActive(active)

	s.watchers.Add(1)
	go s.watch(live)
}

func (s *Service) remove(live *liveSession) {
	s.mu.Lock()
	if s.sessions[live.convID] == live {
		delete(s.sessions, live.convID)
	}
	active := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActive(active)
	_ = live.sub.Close()
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if name, ok := s.Identity(userID); ok && name != "" {
		return name
	}
	user, err := s.platform.GetUser(ctx, userID)
	if err != nil || user.Name() == "" {
		if err != nil {
			s.logger.Error(err, "load user", "userId", userID)
		}
		return userID
	}
	return user.Name()
}

// reply answers a command in the command's thread. Failures are logged.
func (s *Service) reply(ctx context.Context, item gateway.Item, content string) {
	_, err := s.platform.AddTextItem(ctx, item.ConvID, gateway.TextItem{
		ParentID: item.ThreadID(),
		Content:  content,
	})
	if err != nil {
		s.logger.Error(err, "post reply", "convId", item.ConvID)
	}
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
