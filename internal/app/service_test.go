package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"coedit/api/internal/config"
	"coedit/api/internal/docstore"
	"coedit/api/internal/gateway"
	"coedit/api/internal/metrics"
	"coedit/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

type postedItem struct {
	convID string
	item   gateway.TextItem
}

type fakePlatform struct {
	mu                sync.Mutex
	self              string
	conversations     map[string][]string
	users             map[string]string
	attachments       map[string]string
	posts             []postedItem
	updates           []gateway.TextItem
	failConversation  error
	failUpdate        error
	failAttachment    error
	conversationCalls int
	nextID            int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		self:          "bot",
		conversations: map[string][]string{"conv-1": {"alice", "bob"}},
		users:         map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"},
		attachments:   map[string]string{},
	}
}

func (p *fakePlatform) SelfID() string { return p.self }

func (p *fakePlatform) GetConversation(_ context.Context, convID string) (gateway.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversationCalls++
	if p.failConversation != nil {
		return gateway.Conversation{}, p.failConversation
	}
	return gateway.Conversation{ConvID: convID, Participants: append([]string(nil), p.conversations[convID]...)}, nil
}

func (p *fakePlatform) GetConversationsByIDs(_ context.Context, convIDs []string) ([]gateway.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]gateway.Conversation, 0, len(convIDs))
	for _, id := range convIDs {
		result = append(result, gateway.Conversation{ConvID: id, Participants: append([]string(nil), p.conversations[id]...)})
	}
	return result, nil
}

func (p *fakePlatform) GetUser(_ context.Context, userID string) (gateway.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.users[userID]
	if !ok {
		return gateway.User{}, fmt.Errorf("unknown user %s", userID)
	}
	return gateway.User{UserID: userID, DisplayName: name}, nil
}

func (p *fakePlatform) AddTextItem(_ context.Context, convID string, item gateway.TextItem) (gateway.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.posts = append(p.posts, postedItem{convID: convID, item: item})
	return gateway.Item{ItemID: fmt.Sprintf("bot-item-%d", p.nextID), ConvID: convID}, nil
}

func (p *fakePlatform) UpdateTextItem(_ context.Context, item gateway.TextItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdate != nil {
		return p.failUpdate
	}
	p.updates = append(p.updates, item)
	return nil
}

func (p *fakePlatform) FetchAttachment(_ context.Context, rawURL string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAttachment != nil {
		return nil, p.failAttachment
	}
	text, ok := p.attachments[rawURL]
	if !ok {
		return nil, fmt.Errorf("no attachment at %s", rawURL)
	}
	return []byte(text), nil
}

func (p *fakePlatform) setFailUpdate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUpdate = err
}

func (p *fakePlatform) postContents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	contents := make([]string, len(p.posts))
	for i, post := range p.posts {
		contents[i] = post.item.Content
	}
	return contents
}

func (p *fakePlatform) updateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func (p *fakePlatform) lastUpdate() gateway.TextItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[len(p.updates)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHistory struct {
	mu        sync.Mutex
	summaries []store.SessionSummary
}

func (h *fakeHistory) RecordSession(_ context.Context, summary store.SessionSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, summary)
	return nil
}

type fakeArchive struct {
	mu   sync.Mutex
	docs map[string]string
}

func (a *fakeArchive) PutDocument(_ context.Context, convID string, endedAt time.Time, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := fmt.Sprintf("conversations/%s/%d.txt", convID, endedAt.UnixMilli())
	a.docs[key] = text
	return key, nil
}

type failingEngine struct {
	syncEngine
	failGet error
}

func (e *failingEngine) GetText(ctx context.Context, convID string) (string, error) {
	if e.failGet != nil {
		return "", e.failGet
	}
	return e.syncEngine.GetText(ctx, convID)
}

type testEnv struct {
	service  *Service
	platform *fakePlatform
	durable  *docstore.RedisStore
	headless *docstore.Headless
	clock    *testClock
	client   *redis.Client
	redis    *miniredis.Miniredis
}

func testConfig() config.Config {
	return config.Config{
		PublicURL:         "https://coedit.test",
		TokenSecret:       "test-secret",
		TokenTTL:          time.Hour,
		BrowserSessionTTL: time.Hour,
		OperationTimeout:  5 * time.Second,
		ClientConfig:      []byte(`{"databaseURL":"redis://sync"}`),
	}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	durable := docstore.New(client)
	headless := docstore.NewHeadless(durable)
	platform := newFakePlatform()
	clock := &testClock{now: time.Now().Truncate(time.Millisecond)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	service := New(testConfig(), durable, headless, platform, logr.Discard(), opts...)
	t.Cleanup(service.Shutdown)

	return &testEnv{
		service:  service,
		platform: platform,
		durable:  durable,
		headless: headless,
		clock:    clock,
		client:   client,
		redis:    mr,
	}
}

func command(text, convID, userID string) gateway.Item {
	return gateway.Item{
		ItemID:    "item-" + userID,
		ConvID:    convID,
		CreatorID: userID,
		Type:      gateway.ItemTypeText,
		Text:      text,
	}
}

// metricValue sums every series of the named family.
func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) start(t *testing.T, convID, userID string) {
	t.Helper()
	if err := e.service.StartSession(context.Background(), command(commandStart, convID, userID)); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
}

func TestStartTwiceKeepsSingleRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.start(t, "conv-1", "alice")
	err := env.service.StartSession(ctx, command(commandStart, "conv-1", "bob"))
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second StartSession() error = %v, want ErrSessionExists", err)
	}

	records, err := env.durable.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(records) != 1 || records[0].CreatorID != "alice" || !records[0].HasDocument {
		t.Fatalf("unexpected records %+v", records)
	}

	posts := env.platform.postContents()
	if len(posts) != 2 {
		t.Fatalf("expected 2 replies, got %d: %v", len(posts), posts)
	}
	link := `<a href="https://coedit.test/conversation/conv-1">here</a>`
	if posts[0] != "Created group co-edit session managed by Alice. Click "+link+" to join the session." {
		t.Fatalf("unexpected announcement %q", posts[0])
	}
	if !strings.HasPrefix(posts[1], "That session already exists") || !strings.Contains(posts[1], link) {
		t.Fatalf("unexpected duplicate reply %q", posts[1])
	}

	live, ok := env.service.Session("conv-1")
	if !ok || live.AnnouncementID != "bot-item-1" || live.CreatorID != "alice" {
		t.Fatalf("Session() = %+v, %v", live, ok)
	}
}

func TestStartRechecksDurableStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.durable.PutRecord(ctx, docstore.Record{ConvID: "conv-1", CreatorID: "carol", TimeCreated: 1}); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	if err := env.headless.SetText(ctx, "conv-1", ""); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}

	err := env.service.StartSession(ctx, command(commandStart, "conv-1", "alice"))
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("StartSession() error = %v, want ErrSessionExists", err)
	}
	record, err := env.durable.GetRecord(ctx, "conv-1")
	if err != nil || record.CreatorID != "carol" {
		t.Fatalf("record overwritten: %+v, %v", record, err)
	}
}

func TestStartSeedsFromFirstPlainTextAttachment(t *testing.T) {
	env := newTestEnv(t)
	env.platform.attachments["https://files/notes.txt"] = "seed text"
	item := command(commandStart+" please", "conv-1", "alice")
	item.ParentItemID = "thread-1"
	item.Attachments = []gateway.Attachment{
		{FileName: "pic.png", MimeType: "image/png", URL: "https://files/pic.png"},
		{FileName: "notes.txt", MimeType: "text/plain", URL: "https://files/notes.txt"},
	}

	if err := env.service.StartSession(context.Background(), item); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	live, _ := env.service.Session("conv-1")
	if live.DefaultText != "seed text" {
		t.Fatalf("DefaultText = %q", live.DefaultText)
	}
	text, err := env.headless.GetText(context.Background(), "conv-1")
	if err != nil || text != "seed text" {
		t.Fatalf("GetText() = %q, %v", text, err)
	}
	if env.platform.posts[0].item.ParentID != "thread-1" {
		t.Fatalf("announcement not posted in thread: %+v", env.platform.posts[0].item)
	}
}

func TestStartFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.platform.failConversation = errors.New("platform down")
	ctx := context.Background()

	if err := env.service.StartSession(ctx, command(commandStart, "conv-1", "alice")); err == nil {
		t.Fatal("expected StartSession() to fail")
	}
	if _, err := env.durable.GetRecord(ctx, "conv-1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("GetRecord() error = %v, want ErrNotFound", err)
	}
	if _, ok := env.service.Session("conv-1"); ok {
		t.Fatal("registry entry left behind")
	}
	if posts := env.platform.postContents(); len(posts) != 1 || posts[0] != msgCreateFailed {
		t.Fatalf("unexpected replies %v", posts)
	}
}

func TestStartFailureRestoresPreviousRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	previous := docstore.Record{ConvID: "conv-1", CreatorID: "carol", TimeCreated: 100, TimeEnded: 200}
	if err := env.durable.PutRecord(ctx, previous); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	env.platform.failAttachment = errors.New("download failed")
	item := command(commandStart, "conv-1", "alice")
	item.Attachments = []gateway.Attachment{{MimeType: "text/plain", URL: "https://files/x.txt"}}

	if err := env.service.StartSession(ctx, item); err == nil {
		t.Fatal("expected StartSession() to fail")
	}
	record, err := env.durable.GetRecord(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if record.CreatorID != "carol" || record.TimeEnded != 200 || record.HasDocument {
		t.Fatalf("previous record not restored: %+v", record)
	}
}

func TestStartLinksPreviousSessionEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.durable.PutRecord(ctx, docstore.Record{ConvID: "conv-1", CreatorID: "carol", TimeCreated: 100, TimeEnded: 200}); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	env.start(t, "conv-1", "alice")

	record, err := env.durable.GetRecord(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if record.PreviousSessionEndTime != 200 || record.CreatorID != "alice" || record.TimeEnded != 0 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestStopByNonCreatorIsDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")

	err := env.service.StopSession(ctx, command(commandStop, "conv-1", "bob"))
	if !errors.Is(err, ErrNotCreator) {
		t.Fatalf("StopSession() error = %v, want ErrNotCreator", err)
	}
	exists, _ := env.durable.DocumentExists(ctx, "conv-1")
	if !exists {
		t.Fatal("document deleted by non-creator stop")
	}
	if _, err := env.durable.GetRecord(ctx, "conv-1"); err != nil {
		t.Fatalf("record deleted by non-creator stop: %v", err)
	}
	if _, ok := env.service.Session("conv-1"); !ok {
		t.Fatal("session removed by non-creator stop")
	}
	posts := env.platform.postContents()
	if posts[len(posts)-1] != msgNotAllowed {
		t.Fatalf("last reply = %q", posts[len(posts)-1])
	}
}

func TestStopWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	err := env.service.StopSession(context.Background(), command(commandStop, "conv-1", "alice"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("StopSession() error = %v, want ErrSessionNotFound", err)
	}
	if posts := env.platform.postContents(); len(posts) != 1 || posts[0] != msgSessionMissing {
		t.Fatalf("unexpected replies %v", posts)
	}
}

func TestStopEmptyDocumentPostsNoEditsNotice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")

	if err := env.service.StopSession(ctx, command(commandStop, "conv-1", "alice")); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	update := env.platform.lastUpdate()
	if update.Content != msgEndedWithoutEdits || len(update.Attachments) != 0 || update.ItemID != "bot-item-1" {
		t.Fatalf("unexpected update %+v", update)
	}
	if exists, _ := env.durable.DocumentExists(ctx, "conv-1"); exists {
		t.Fatal("document still exists after stop")
	}
	if _, ok := env.service.Session("conv-1"); ok {
		t.Fatal("session still registered after stop")
	}
	record, err := env.durable.GetRecord(ctx, "conv-1")
	if err != nil || record.TimeEnded == 0 {
		t.Fatalf("record not marked ended: %+v, %v", record, err)
	}
}

func TestStopUploadsFinalText(t *testing.T) {
	history := &fakeHistory{}
	archive := &fakeArchive{docs: map[string]string{}}
	m := metrics.New()
	env := newTestEnv(t, WithHistory(history), WithArchive(archive), WithMetrics(m))
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	env.service.AddJoinedParticipant("conv-1", "bob", "Bob")
	env.service.AddJoinedParticipant("conv-1", "alice", "Alice")
	env.service.AddJoinedParticipant("conv-1", "bob", "Robert")
	if _, err := env.headless.WriteText(ctx, "conv-1", "final text"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	env.clock.Advance(125 * time.Second)

	if err := env.service.StopSession(ctx, command(commandStop, "conv-1", "alice")); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}

	update := env.platform.lastUpdate()
	want := "Session has ended.\nSession creator: Alice.\nParticipants: Bob, Alice.\nDuration: 2 minutes."
	if update.Content != want {
		t.Fatalf("summary = %q, want %q", update.Content, want)
	}
	if len(update.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(update.Attachments))
	}
	file := update.Attachments[0]
	wantName := fmt.Sprintf("%d.txt", env.clock.Now().UnixMilli())
	if string(file.Data) != "final text" || file.MimeType != "text/plain" || file.Name != wantName {
		t.Fatalf("unexpected attachment %+v", file)
	}

	if len(history.summaries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history.summaries))
	}
	summary := history.summaries[0]
	if summary.Trigger != store.TriggerStop || !summary.Edited || summary.Duration() != 125*time.Second {
		t.Fatalf("unexpected history %+v", summary)
	}
	if archive.docs[summary.ArchiveKey] != "final text" {
		t.Fatalf("archive missing document at %q", summary.ArchiveKey)
	}
	if got := metricValue(t, m, "coedit_sessions_ended_total"); got != 1 {
		t.Fatalf("sessions ended = %v, want 1", got)
	}
	if got := metricValue(t, m, "coedit_sessions_active"); got != 0 {
		t.Fatalf("sessions active = %v, want 0", got)
	}
}

func TestStopFailedUploadKeepsSessionActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	env.platform.setFailUpdate(errors.New("platform down"))

	if err := env.service.StopSession(ctx, command(commandStop, "conv-1", "alice")); err == nil {
		t.Fatal("expected StopSession() to fail")
	}
	posts := env.platform.postContents()
	if posts[len(posts)-1] != msgEndFailed {
		t.Fatalf("last reply = %q", posts[len(posts)-1])
	}
	if _, ok := env.service.Session("conv-1"); !ok {
		t.Fatal("session removed after failed upload")
	}
	if exists, _ := env.durable.DocumentExists(ctx, "conv-1"); !exists {
		t.Fatal("document deleted after failed upload")
	}

	env.platform.setFailUpdate(nil)
	if err := env.service.StopSession(ctx, command(commandStop, "conv-1", "alice")); err != nil {
		t.Fatalf("retry StopSession() error = %v", err)
	}
	if env.platform.updateCount() != 1 {
		t.Fatalf("expected one successful upload, got %d", env.platform.updateCount())
	}
}

func TestStopOrphanedSessionDeletesWithoutUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.durable.PutRecord(ctx, docstore.Record{ConvID: "conv-1", CreatorID: "alice", TimeCreated: 1}); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	if err := env.headless.SetText(ctx, "conv-1", "lost text"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}

	err := env.service.StopSession(ctx, command(commandStop, "conv-1", "alice"))
	if !errors.Is(err, ErrOrphanedSession) {
		t.Fatalf("StopSession() error = %v, want ErrOrphanedSession", err)
	}
	if exists, _ := env.durable.DocumentExists(ctx, "conv-1"); exists {
		t.Fatal("orphaned document not deleted")
	}
	if env.platform.updateCount() != 0 {
		t.Fatal("orphaned session must not upload")
	}
	posts := env.platform.postContents()
	if posts[len(posts)-1] != msgOrphaned {
		t.Fatalf("last reply = %q", posts[len(posts)-1])
	}
}

func TestDepartureFinalizesSession(t *testing.T) {
	history := &fakeHistory{}
	env := newTestEnv(t, WithHistory(history))
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	if _, err := env.headless.WriteText(ctx, "conv-1", "notes"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}

	if err := env.durable.Join(ctx, "conv-1", "bob", "Bob"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := env.durable.Leave(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	waitFor(t, "session teardown", func() bool {
		_, ok := env.service.Session("conv-1")
		return !ok
	})
	if env.platform.updateCount() != 1 {
		t.Fatalf("expected one upload, got %d", env.platform.updateCount())
	}
	if string(env.platform.lastUpdate().Attachments[0].Data) != "notes" {
		t.Fatal("uploaded document does not match final text")
	}
	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.summaries) != 1 || history.summaries[0].Trigger != store.TriggerDeparture {
		t.Fatalf("unexpected history %+v", history.summaries)
	}
}

func TestDepartureUploadFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	env.platform.setFailUpdate(errors.New("platform down"))

	if err := env.durable.Join(ctx, "conv-1", "bob", "Bob"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := env.durable.Leave(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	waitFor(t, "upload failure notice", func() bool {
		posts := env.platform.postContents()
		return posts[len(posts)-1] == msgUploadFailed
	})
	if _, ok := env.service.Session("conv-1"); !ok {
		t.Fatal("session removed after failed departure upload")
	}
}

func TestNonPresenceChildRemovalIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	if _, err := env.headless.WriteText(ctx, "conv-1", "draft"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}

	if err := env.durable.RemoveChild(ctx, "conv-1", docstore.ChildCheckpoint); err != nil {
		t.Fatalf("RemoveChild() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := env.service.Session("conv-1"); !ok {
		t.Fatal("session torn down by non-presence removal")
	}
	if env.platform.updateCount() != 0 {
		t.Fatal("finalize triggered by non-presence removal")
	}

	// the observer is still registered
	if err := env.durable.Join(ctx, "conv-1", "bob", "Bob"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := env.durable.Leave(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	waitFor(t, "session teardown", func() bool {
		_, ok := env.service.Session("conv-1")
		return !ok
	})
}

func TestHandleDocumentEventFiltersChildren(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	live := env.service.lookup("conv-1")

	events := []docstore.Event{
		{Type: "child_added", Child: docstore.ChildUsers},
		{Type: docstore.EventChildRemoved, Child: docstore.ChildCheckpoint},
		{Type: docstore.EventChildRemoved, Child: "history"},
	}
	for _, event := range events {
		if err := env.service.handleDocumentEvent(ctx, live, event); err != nil {
			t.Fatalf("handleDocumentEvent(%+v) error = %v", event, err)
		}
	}
	if env.platform.updateCount() != 0 {
		t.Fatal("finalize triggered by filtered event")
	}

	if err := env.service.handleDocumentEvent(ctx, live, docstore.Event{Type: docstore.EventChildRemoved, Child: docstore.ChildUsers}); err != nil {
		t.Fatalf("handleDocumentEvent(users) error = %v", err)
	}
	if env.platform.updateCount() != 1 {
		t.Fatalf("expected one upload, got %d", env.platform.updateCount())
	}
	// stale observer after teardown is a no-op
	if err := env.service.handleDocumentEvent(ctx, live, docstore.Event{Type: docstore.EventChildRemoved, Child: docstore.ChildUsers}); err != nil {
		t.Fatalf("stale handleDocumentEvent() error = %v", err)
	}
	if env.platform.updateCount() != 1 {
		t.Fatal("stale observer finalized twice")
	}
}

func TestExternalDocumentRemovalDropsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	if err := env.durable.Join(ctx, "conv-1", "bob", "Bob"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := env.durable.DeleteDocument(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	waitFor(t, "registry cleanup", func() bool {
		_, ok := env.service.Session("conv-1")
		return !ok
	})
	if env.platform.updateCount() != 0 {
		t.Fatal("external removal must not upload")
	}
}

func TestFinalizeRunsOnceAcrossConcurrentTriggers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	if _, err := env.headless.WriteText(ctx, "conv-1", "text"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	token, err := env.service.IssueToken("alice", "conv-1")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if err := env.durable.Join(ctx, "conv-1", "alice", "Alice"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		_ = env.service.StopSession(ctx, command(commandStop, "conv-1", "alice"))
	}()
	go func() {
		defer wg.Done()
		_ = env.service.StopSession(ctx, command(commandStop, "conv-1", "alice"))
	}()
	go func() {
		defer wg.Done()
		_ = env.service.CloseSession(ctx, "alice", "conv-1", token)
	}()
	go func() {
		defer wg.Done()
		_ = env.durable.Leave(ctx, "conv-1", "alice")
	}()
	wg.Wait()

	waitFor(t, "session teardown", func() bool {
		_, ok := env.service.Session("conv-1")
		return !ok
	})
	time.Sleep(100 * time.Millisecond)
	if got := env.platform.updateCount(); got != 1 {
		t.Fatalf("finalize ran %d times, want 1", got)
	}
}

func TestRecoverReloadsOnlyRecordsWithDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.platform.conversations["conv-a"] = []string{"alice", "dave"}
	if err := env.durable.PutRecord(ctx, docstore.Record{ConvID: "conv-a", CreatorID: "alice", TimeCreated: 1000}); err != nil {
		t.Fatalf("PutRecord(conv-a) error = %v", err)
	}
	if err := env.headless.SetText(ctx, "conv-a", "recovered"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	if err := env.durable.PutRecord(ctx, docstore.Record{ConvID: "conv-b", CreatorID: "bob", TimeCreated: 2000}); err != nil {
		t.Fatalf("PutRecord(conv-b) error = %v", err)
	}

	restored, err := env.service.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if restored != 1 {
		t.Fatalf("Recover() restored %d, want 1", restored)
	}
	live, ok := env.service.Session("conv-a")
	if !ok || live.CreatorID != "alice" || live.TimeCreated.UnixMilli() != 1000 {
		t.Fatalf("Session(conv-a) = %+v, %v", live, ok)
	}
	if len(live.Participants) != 2 || live.Participants[1] != "dave" {
		t.Fatalf("membership not refreshed: %v", live.Participants)
	}
	if _, ok := env.service.Session("conv-b"); ok {
		t.Fatal("record without document was reloaded")
	}
	record, err := env.durable.GetRecord(ctx, "conv-b")
	if err != nil || record.TimeEnded != 0 || record.CreatorID != "bob" {
		t.Fatalf("conv-b record touched: %+v, %v", record, err)
	}
	if env.service.TokenValid("alice", "conv-a", "anything") {
		t.Fatal("recovered session must start with no tokens")
	}

	again, err := env.service.Recover(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second Recover() = %d, %v", again, err)
	}

	// the observer is re-registered and, lacking an announcement, posts anew
	if err := env.durable.Join(ctx, "conv-a", "alice", "Alice"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := env.durable.Leave(ctx, "conv-a", "alice"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	waitFor(t, "recovered session teardown", func() bool {
		_, ok := env.service.Session("conv-a")
		return !ok
	})
	env.platform.mu.Lock()
	defer env.platform.mu.Unlock()
	last := env.platform.posts[len(env.platform.posts)-1]
	if last.convID != "conv-a" || !strings.HasPrefix(last.item.Content, "Session has ended.") {
		t.Fatalf("unexpected summary post %+v", last)
	}
}

func TestRecoverFinalizesSessionsAbandonedWhileDown(t *testing.T) {
	history := &fakeHistory{}
	env := newTestEnv(t, WithHistory(history))
	ctx := context.Background()
	env.platform.conversations["conv-a"] = []string{"alice", "bob"}
	env.platform.conversations["conv-b"] = []string{"bob"}
	for _, record := range []docstore.Record{
		{ConvID: "conv-a", CreatorID: "alice", TimeCreated: 1000},
		{ConvID: "conv-b", CreatorID: "bob", TimeCreated: 2000},
	} {
		if err := env.durable.PutRecord(ctx, record); err != nil {
			t.Fatalf("PutRecord(%s) error = %v", record.ConvID, err)
		}
		if err := env.headless.SetText(ctx, record.ConvID, "left behind"); err != nil {
			t.Fatalf("SetText(%s) error = %v", record.ConvID, err)
		}
	}
	// conv-a had an editor who left with nobody observing; nobody opened conv-b
	if err := env.durable.Join(ctx, "conv-a", "bob", "Bob"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := env.durable.Leave(ctx, "conv-a", "bob"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	restored, err := env.service.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if restored != 1 {
		t.Fatalf("Recover() restored %d, want 1", restored)
	}
	if _, ok := env.service.Session("conv-a"); ok {
		t.Fatal("abandoned session still registered")
	}
	if _, ok := env.service.Session("conv-b"); !ok {
		t.Fatal("session without editors yet was not restored")
	}
	if exists, _ := env.durable.DocumentExists(ctx, "conv-a"); exists {
		t.Fatal("abandoned document not deleted")
	}
	posts := env.platform.postContents()
	if len(posts) != 1 || !strings.HasPrefix(posts[0], "Session has ended.") {
		t.Fatalf("posts = %q", posts)
	}
	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.summaries) != 1 || history.summaries[0].ConvID != "conv-a" || history.summaries[0].Trigger != store.TriggerDeparture {
		t.Fatalf("unexpected history %+v", history.summaries)
	}
}

func TestIssueTokenRequiresSessionAndMembership(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.service.IssueToken("alice", "conv-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("IssueToken() without session error = %v", err)
	}
	env.start(t, "conv-1", "alice")

	if _, err := env.service.IssueToken("mallory", "conv-1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("IssueToken(non-member) error = %v, want ErrNotParticipant", err)
	}

	first, err := env.service.IssueToken("bob", "conv-1")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if !env.service.TokenValid("bob", "conv-1", first) {
		t.Fatal("fresh token should be valid")
	}
	claims, err := env.service.ValidateToken(first)
	if err != nil || claims.UID != "bob" || claims.Scope.ConvID != "conv-1" {
		t.Fatalf("ValidateToken() = %+v, %v", claims, err)
	}

	second, err := env.service.IssueToken("bob", "conv-1")
	if err != nil {
		t.Fatalf("re-IssueToken() error = %v", err)
	}
	if env.service.TokenValid("bob", "conv-1", first) {
		t.Fatal("overwritten token should no longer be current")
	}
	if !env.service.TokenValid("bob", "conv-1", second) {
		t.Fatal("re-issued token should be valid")
	}
	if env.service.TokenValid("alice", "conv-1", second) {
		t.Fatal("token must not validate for another user")
	}
}

func TestIssueTokenAllowsCreatorWhoLeftConversation(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "conv-1", "alice")
	env.service.HandleConversationUpdated(gateway.Conversation{ConvID: "conv-1", Participants: []string{"bob"}})

	if env.service.IsParticipant("alice", "conv-1") {
		t.Fatal("membership update not applied")
	}
	if _, err := env.service.IssueToken("alice", "conv-1"); err != nil {
		t.Fatalf("IssueToken(creator) error = %v", err)
	}
}

func TestCloseSessionRequiresCreatorWithCurrentToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	bobToken, _ := env.service.IssueToken("bob", "conv-1")

	if err := env.service.CloseSession(ctx, "bob", "conv-1", bobToken); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("CloseSession(bob) error = %v, want ErrNotCreator", err)
	}
	if err := env.service.CloseSession(ctx, "alice", "conv-1", "forged"); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("CloseSession(forged) error = %v, want ErrNotCreator", err)
	}
	if err := env.service.CloseSession(ctx, "alice", "conv-2", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("CloseSession(unknown) error = %v, want ErrSessionNotFound", err)
	}

	aliceToken, _ := env.service.IssueToken("alice", "conv-1")
	if err := env.service.CloseSession(ctx, "alice", "conv-1", aliceToken); err != nil {
		t.Fatalf("CloseSession(alice) error = %v", err)
	}
	if _, ok := env.service.Session("conv-1"); ok {
		t.Fatal("session still registered after close")
	}
	if env.service.TokenValid("alice", "conv-1", aliceToken) {
		t.Fatal("token still valid after session ended")
	}
}

func TestCloseSessionFinalizeFailureKeepsSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	durable := docstore.New(client)
	engine := &failingEngine{syncEngine: docstore.NewHeadless(durable)}
	m := metrics.New()
	service := New(testConfig(), durable, engine, newFakePlatform(), logr.Discard(), WithMetrics(m))
	t.Cleanup(service.Shutdown)
	ctx := context.Background()

	if err := service.StartSession(ctx, command(commandStart, "conv-1", "alice")); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	token, _ := service.IssueToken("alice", "conv-1")
	engine.failGet = errors.New("sync engine unavailable")

	if err := service.CloseSession(ctx, "alice", "conv-1", token); err == nil {
		t.Fatal("expected CloseSession() to fail")
	}
	if _, ok := service.Session("conv-1"); !ok {
		t.Fatal("session removed after failed finalize")
	}
	if got := metricValue(t, m, "coedit_finalize_failures_total"); got != 1 {
		t.Fatalf("finalize failures = %v, want 1", got)
	}
}

func TestCloseSessionReapsSessionWhoseDocumentIsGone(t *testing.T) {
	m := metrics.New()
	history := &fakeHistory{}
	env := newTestEnv(t, WithMetrics(m), WithHistory(history))
	ctx := context.Background()
	env.start(t, "conv-1", "alice")
	token, err := env.service.IssueToken("alice", "conv-1")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	// removed without a pub/sub announcement
	env.redis.Del("coedit:sessions:conv-1:document")

	if err := env.service.CloseSession(ctx, "alice", "conv-1", token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("CloseSession() error = %v, want ErrSessionNotFound", err)
	}
	if _, ok := env.service.Session("conv-1"); ok {
		t.Fatal("stale session still registered")
	}
	if got := metricValue(t, m, "coedit_finalize_failures_total"); got != 0 {
		t.Fatalf("finalize failures = %v, want 0", got)
	}
	if env.platform.updateCount() != 0 {
		t.Fatal("reaped session must not upload")
	}
	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.summaries) != 1 || history.summaries[0].Trigger != store.TriggerAdmin {
		t.Fatalf("unexpected history %+v", history.summaries)
	}
}

func TestHandleItemDispatchesCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ignored := []gateway.Item{
		{ConvID: "conv-1", CreatorID: "bot", Type: gateway.ItemTypeText, Text: commandStart},
		{ConvID: "conv-1", CreatorID: "alice", Type: "RTC", Text: commandStart},
		{ConvID: "conv-1", CreatorID: "alice", Type: gateway.ItemTypeText, Text: "/START co-edit"},
		{ConvID: "conv-1", CreatorID: "alice", Type: gateway.ItemTypeText, Text: "hello " + commandStart},
	}
	for _, item := range ignored {
		if err := env.service.HandleItem(ctx, item); err != nil {
			t.Fatalf("HandleItem(%q) error = %v", item.Text, err)
		}
	}
	if _, ok := env.service.Session("conv-1"); ok {
		t.Fatal("ignored item started a session")
	}

	if err := env.service.HandleItem(ctx, command(commandStart, "conv-1", "alice")); err != nil {
		t.Fatalf("HandleItem(start) error = %v", err)
	}
	if err := env.service.HandleItem(ctx, command(commandStop+" now", "conv-1", "alice")); err != nil {
		t.Fatalf("HandleItem(stop) error = %v", err)
	}
	if env.platform.updateCount() != 1 {
		t.Fatalf("expected stop to finalize once, got %d", env.platform.updateCount())
	}
}

func TestConversationUpdatedReplacesMembership(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "conv-1", "alice")

	env.service.HandleConversationUpdated(gateway.Conversation{ConvID: "conv-1", Participants: []string{"bob", "alice", "carol"}})
	if !env.service.IsParticipant("carol", "conv-1") {
		t.Fatal("new member not applied")
	}
	env.service.HandleConversationUpdated(gateway.Conversation{ConvID: "conv-unknown", Participants: []string{"x"}})
	if _, ok := env.service.Session("conv-unknown"); ok {
		t.Fatal("update created a session")
	}
}

func TestRunDispatchesPlatformEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan gateway.Event, 2)
	done := make(chan struct{})
	go func() {
		env.service.Run(ctx, events)
		close(done)
	}()

	item := command(commandStart, "conv-1", "alice")
	events <- gateway.Event{Type: gateway.EventItemAdded, Item: &item}
	waitFor(t, "session start", func() bool {
		_, ok := env.service.Session("conv-1")
		return ok
	})
	events <- gateway.Event{Type: gateway.EventConversationUpdated, Conversation: &gateway.Conversation{ConvID: "conv-1", Participants: []string{"alice", "erin"}}}
	waitFor(t, "membership update", func() bool {
		return env.service.IsParticipant("erin", "conv-1")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRunHandlesConversationEventsInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan gateway.Event, 4)
	done := make(chan struct{})
	go func() {
		env.service.Run(ctx, events)
		close(done)
	}()

	start := command(commandStart, "conv-1", "alice")
	stop := command(commandStop, "conv-1", "alice")
	events <- gateway.Event{Type: gateway.EventItemAdded, Item: &start}
	events <- gateway.Event{Type: gateway.EventItemAdded, Item: &stop}
	close(events)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after events closed")
	}
	if _, ok := env.service.Session("conv-1"); ok {
		t.Fatal("stop handled before start")
	}
	if env.platform.updateCount() != 1 || env.platform.lastUpdate().Content != msgEndedWithoutEdits {
		t.Fatalf("expected the announcement to become the no-edits notice, got %d updates", env.platform.updateCount())
	}
	for _, post := range env.platform.postContents() {
		if post == msgSessionMissing {
			t.Fatal("stop ran before the session existed")
		}
	}
}

func TestSweepOrphansMarksStaleCreatingRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := env.clock.Now().Add(-2 * time.Hour).UnixMilli()
	if err := env.durable.PutRecord(ctx, docstore.Record{ConvID: "stale", CreatorID: "alice", TimeCreated: old}); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	env.start(t, "conv-1", "alice")

	if swept, err := env.service.SweepOrphans(ctx, 0); err != nil || swept != nil {
		t.Fatalf("SweepOrphans(0) = %v, %v", swept, err)
	}
	swept, err := env.service.SweepOrphans(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepOrphans() error = %v", err)
	}
	if len(swept) != 1 || swept[0] != "stale" {
		t.Fatalf("SweepOrphans() = %v", swept)
	}
	if _, ok := env.service.Session("conv-1"); !ok {
		t.Fatal("sweep touched a live session")
	}

	// a new start overwrites the swept record
	env.start(t, "stale", "alice")
	record, _ := env.durable.GetRecord(ctx, "stale")
	if record.PreviousSessionEndTime != old || record.TimeEnded != 0 {
		t.Fatalf("unexpected record after restart %+v", record)
	}
}

func TestSessionsListsLiveSessions(t *testing.T) {
	env := newTestEnv(t)
	env.platform.conversations["conv-0"] = []string{"alice"}
	env.start(t, "conv-1", "alice")
	env.start(t, "conv-0", "alice")

	sessions := env.service.Sessions()
	if len(sessions) != 2 || sessions[0].ConvID != "conv-0" || sessions[1].ConvID != "conv-1" {
		t.Fatalf("Sessions() = %+v", sessions)
	}
	if err := env.service.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
