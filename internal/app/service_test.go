package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"inkwell/api/internal/assist"
	"inkwell/api/internal/config"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

type fakeStore struct {
	getUserFn            func(ctx context.Context, id string) (store.User, error)
	insertUserIfAbsentFn func(ctx context.Context, id, email string) (store.User, bool, error)
	createWithWelcomeFn  func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error)
	insertNoteFn         func(ctx context.Context, noteID, authorID, text string) (store.Note, error)
	listNotesFn          func(ctx context.Context, authorID string) ([]store.Note, error)
	getNoteFn            func(ctx context.Context, noteID, authorID string) (store.Note, error)
	updateNoteTextFn     func(ctx context.Context, noteID, authorID, text string) (store.Note, error)
	deleteNoteFn         func(ctx context.Context, noteID, authorID string) error
	latestNoteFn         func(ctx context.Context, authorID string) (store.Note, error)
	pingFn               func(ctx context.Context) error
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (store.User, error) {
	return f.getUserFn(ctx, id)
}

func (f *fakeStore) InsertUserIfAbsent(ctx context.Context, id, email string) (store.User, bool, error) {
	return f.insertUserIfAbsentFn(ctx, id, email)
}

func (f *fakeStore) CreateUserWithWelcomeNote(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
	return f.createWithWelcomeFn(ctx, userID, email, noteID, text)
}

func (f *fakeStore) InsertNote(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
	return f.insertNoteFn(ctx, noteID, authorID, text)
}

func (f *fakeStore) ListNotes(ctx context.Context, authorID string) ([]store.Note, error) {
	return f.listNotesFn(ctx, authorID)
}

func (f *fakeStore) GetNote(ctx context.Context, noteID, authorID string) (store.Note, error) {
	return f.getNoteFn(ctx, noteID, authorID)
}

func (f *fakeStore) UpdateNoteText(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
	return f.updateNoteTextFn(ctx, noteID, authorID, text)
}

func (f *fakeStore) DeleteNote(ctx context.Context, noteID, authorID string) error {
	return f.deleteNoteFn(ctx, noteID, authorID)
}

func (f *fakeStore) LatestNote(ctx context.Context, authorID string) (store.Note, error) {
	return f.latestNoteFn(ctx, authorID)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.NoteRecord
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexNote(record search.NoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeSearch) DeleteNote(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeCompleter struct {
	completeFn func(ctx context.Context, messages []assist.Message) (string, error)
	calls      int
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []assist.Message) (string, error) {
	f.calls++
	return f.completeFn(ctx, messages)
}

type fakeProvider struct {
	signUpFn  func(ctx context.Context, email, password string) error
	signInFn  func(ctx context.Context, email, password string) (identity.TokenPair, error)
	signOutFn func(ctx context.Context, accessToken string) error
	healthy   bool
}

func (f *fakeProvider) SignUp(ctx context.Context, email, password string) error {
	return f.signUpFn(ctx, email, password)
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (identity.TokenPair, error) {
	return f.signInFn(ctx, email, password)
}

func (f *fakeProvider) SignOut(ctx context.Context, accessToken string) error {
	return f.signOutFn(ctx, accessToken)
}

func (f *fakeProvider) Health(ctx context.Context) bool {
	return f.healthy
}

type fakeVerifier struct {
	verifyFn func(raw string) (identity.Principal, error)
}

func (f *fakeVerifier) Verify(raw string) (identity.Principal, error) {
	return f.verifyFn(raw)
}

func testService(t *testing.T, dataStore dataStore) (*Service, *fakeSearch) {
	t.Helper()
	searchSvc := &fakeSearch{}
	return &Service{
		cfg:       config.Config{CompletionTimeout: 2 * time.Second},
		store:     dataStore,
		searchSvc: searchSvc,
		verifier: &fakeVerifier{
			verifyFn: func(raw string) (identity.Principal, error) {
				return identity.Principal{}, identity.ErrInvalidToken
			},
		},
	}, searchSvc
}

var alice = identity.Principal{ID: "user-alice", Email: "alice@example.com"}

func TestEnsureUserIdempotent(t *testing.T) {
	inserts := 0
	fs := &fakeStore{
		insertUserIfAbsentFn: func(ctx context.Context, id, email string) (store.User, bool, error) {
			inserts++
			return store.User{ID: id, Email: email}, inserts == 1, nil
		},
	}
	svc, _ := testService(t, fs)

	for i := 0; i < 3; i++ {
		user, err := svc.EnsureUser(context.Background(), alice)
		if err != nil {
			t.Fatalf("EnsureUser attempt %d: %v", i, err)
		}
		if user.ID != alice.ID {
			t.Fatalf("got user %q, want %q", user.ID, alice.ID)
		}
	}
	if inserts != 3 {
		t.Fatalf("got %d upserts, want 3", inserts)
	}
}

func TestEnsureUserRetriesTransientFailures(t *testing.T) {
	attempts := 0
	fs := &fakeStore{
		insertUserIfAbsentFn: func(ctx context.Context, id, email string) (store.User, bool, error) {
			attempts++
			if attempts < 3 {
				return store.User{}, false, errors.New("connection reset")
			}
			return store.User{ID: id, Email: email}, true, nil
		},
	}
	svc, _ := testService(t, fs)

	user, err := svc.EnsureUser(context.Background(), alice)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if user.ID != alice.ID {
		t.Fatalf("got user %q, want %q", user.ID, alice.ID)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestEnsureUserBoundedRetryExhaustion(t *testing.T) {
	attempts := 0
	fs := &fakeStore{
		insertUserIfAbsentFn: func(ctx context.Context, id, email string) (store.User, bool, error) {
			attempts++
			return store.User{}, false, errors.New("database is down")
		},
	}
	svc, _ := testService(t, fs)

	_, err := svc.EnsureUser(context.Background(), alice)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %T", err)
	}
	if domainErr.Code != "RECONCILIATION_FAILED" {
		t.Fatalf("got code %q, want RECONCILIATION_FAILED", domainErr.Code)
	}
	if domainErr.Status != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", domainErr.Status)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestBootstrapUserCreatesWelcomeNoteOnce(t *testing.T) {
	created := false
	fs := &fakeStore{
		createWithWelcomeFn: func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
			user := store.User{ID: userID, Email: email}
			if created {
				return user, nil, nil
			}
			created = true
			if text != WelcomeNoteText {
				t.Fatalf("got welcome text %q", text)
			}
			return user, &store.Note{ID: noteID, AuthorID: userID, Text: text}, nil
		},
	}
	svc, searchSvc := testService(t, fs)

	_, note, err := svc.BootstrapUser(context.Background(), alice)
	if err != nil {
		t.Fatalf("BootstrapUser: %v", err)
	}
	if note == nil || note.Text != WelcomeNoteText {
		t.Fatalf("expected welcome note, got %+v", note)
	}
	if len(searchSvc.indexed) != 1 {
		t.Fatalf("welcome note not indexed")
	}

	_, note, err = svc.BootstrapUser(context.Background(), alice)
	if err != nil {
		t.Fatalf("second BootstrapUser: %v", err)
	}
	if note != nil {
		t.Fatalf("second bootstrap must not create another welcome note, got %+v", note)
	}
}

func TestCreateNoteEnsuresUserFirst(t *testing.T) {
	var order []string
	fs := &fakeStore{
		insertUserIfAbsentFn: func(ctx context.Context, id, email string) (store.User, bool, error) {
			order = append(order, "user")
			return store.User{ID: id, Email: email}, true, nil
		},
		insertNoteFn: func(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
			order = append(order, "note")
			if text != "" {
				t.Fatalf("new note must start empty, got %q", text)
			}
			return store.Note{ID: noteID, AuthorID: authorID, Text: text}, nil
		},
	}
	svc, searchSvc := testService(t, fs)

	note, err := svc.CreateNote(context.Background(), alice)
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	if note.ID == "" || note.AuthorID != alice.ID {
		t.Fatalf("unexpected note %+v", note)
	}
	if len(order) != 2 || order[0] != "user" || order[1] != "note" {
		t.Fatalf("got call order %v, want [user note]", order)
	}
	if len(searchSvc.indexed) != 1 || searchSvc.indexed[0].ID != note.ID {
		t.Fatalf("note not indexed")
	}
}

func TestGetNoteIsolationSurfacesAsNotFound(t *testing.T) {
	fs := &fakeStore{
		getNoteFn: func(ctx context.Context, noteID, authorID string) (store.Note, error) {
			if authorID != alice.ID {
				t.Fatalf("lookup not scoped to caller, got author %q", authorID)
			}
			return store.Note{}, sql.ErrNoRows
		},
	}
	svc, _ := testService(t, fs)

	_, err := svc.GetNote(context.Background(), alice, "note-owned-by-bob")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("got %v, want sql.ErrNoRows", err)
	}
	status, code, _, _ := mapError(err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("got %d %s, want 404 NOT_FOUND", status, code)
	}
}

func TestUpdateThenGetRoundTrip(t *testing.T) {
	stored := store.Note{ID: "n1", AuthorID: alice.ID, Text: "before"}
	fs := &fakeStore{
		updateNoteTextFn: func(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
			stored.Text = text
			stored.UpdatedAt = time.Now()
			return stored, nil
		},
		getNoteFn: func(ctx context.Context, noteID, authorID string) (store.Note, error) {
			return stored, nil
		},
	}
	svc, searchSvc := testService(t, fs)

	if _, err := svc.UpdateNote(context.Background(), alice, "n1", "after"); err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	note, err := svc.GetNote(context.Background(), alice, "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.Text != "after" {
		t.Fatalf("got text %q, want %q", note.Text, "after")
	}
	if len(searchSvc.indexed) != 1 || searchSvc.indexed[0].Text != "after" {
		t.Fatalf("updated note not reindexed")
	}
}

func TestDeleteNoteRemovesFromIndex(t *testing.T) {
	fs := &fakeStore{
		deleteNoteFn: func(ctx context.Context, noteID, authorID string) error { return nil },
	}
	svc, searchSvc := testService(t, fs)

	if err := svc.DeleteNote(context.Background(), alice, "n1"); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if len(searchSvc.deleted) != 1 || searchSvc.deleted[0] != "n1" {
		t.Fatalf("note not removed from index: %v", searchSvc.deleted)
	}
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	var mu sync.Mutex
	existing := map[string]store.Note{
		"n1": {ID: "n1", AuthorID: alice.ID, Text: "doomed"},
	}
	fs := &fakeStore{
		deleteNoteFn: func(ctx context.Context, noteID, authorID string) error {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := existing[noteID]; !ok {
				return sql.ErrNoRows
			}
			delete(existing, noteID)
			return nil
		},
		getNoteFn: func(ctx context.Context, noteID, authorID string) (store.Note, error) {
			mu.Lock()
			defer mu.Unlock()
			note, ok := existing[noteID]
			if !ok {
				return store.Note{}, sql.ErrNoRows
			}
			return note, nil
		},
	}
	svc, _ := testService(t, fs)

	if err := svc.DeleteNote(context.Background(), alice, "n1"); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if _, err := svc.GetNote(context.Background(), alice, "n1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("got %v, want sql.ErrNoRows after delete", err)
	}
	if err := svc.DeleteNote(context.Background(), alice, "n1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete: got %v, want sql.ErrNoRows", err)
	}
}

func TestEnsureUserConcurrentConvergence(t *testing.T) {
	var mu sync.Mutex
	created := 0
	fs := &fakeStore{
		insertUserIfAbsentFn: func(ctx context.Context, id, email string) (store.User, bool, error) {
			mu.Lock()
			defer mu.Unlock()
			first := created == 0
			if first {
				created++
			}
			return store.User{ID: id, Email: email}, first, nil
		},
	}
	svc, _ := testService(t, fs)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user, err := svc.EnsureUser(context.Background(), alice)
			if err != nil {
				t.Errorf("EnsureUser: %v", err)
				return
			}
			if user.ID != alice.ID {
				t.Errorf("got user %q", user.ID)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("got %d user rows, want 1", created)
	}
}

func TestLatestOrCreateConcurrentBothSucceed(t *testing.T) {
	var mu sync.Mutex
	inserted := []string{}
	fs := &fakeStore{
		createWithWelcomeFn: func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
			return store.User{ID: userID, Email: email}, nil, nil
		},
		latestNoteFn: func(ctx context.Context, authorID string) (store.Note, error) {
			return store.Note{}, sql.ErrNoRows
		},
		insertNoteFn: func(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
			mu.Lock()
			defer mu.Unlock()
			inserted = append(inserted, noteID)
			return store.Note{ID: noteID, AuthorID: authorID}, nil
		},
	}
	svc, _ := testService(t, fs)

	results := make(chan store.Note, 2)
	for i := 0; i < 2; i++ {
		go func() {
			note, created, err := svc.LatestOrCreate(context.Background(), alice)
			if err != nil || !created {
				t.Errorf("LatestOrCreate: created=%v err=%v", created, err)
			}
			results <- note
		}()
	}
	first, second := <-results, <-results

	// Both racing callers succeed and each lands on the note it created.
	if first.ID == second.ID {
		t.Fatalf("racing callers got the same note %q", first.ID)
	}
	if len(inserted) != 2 {
		t.Fatalf("got %d inserts, want 2", len(inserted))
	}
}

func TestLatestNoteIDEmptyForNewUser(t *testing.T) {
	fs := &fakeStore{
		latestNoteFn: func(ctx context.Context, authorID string) (store.Note, error) {
			return store.Note{}, sql.ErrNoRows
		},
	}
	svc, _ := testService(t, fs)

	id, err := svc.LatestNoteID(context.Background(), alice)
	if err != nil {
		t.Fatalf("LatestNoteID: %v", err)
	}
	if id != "" {
		t.Fatalf("got %q, want empty", id)
	}
}

func TestLatestOrCreateReturnsNewestWithoutCreating(t *testing.T) {
	fs := &fakeStore{
		createWithWelcomeFn: func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
			return store.User{ID: userID, Email: email}, nil, nil
		},
		latestNoteFn: func(ctx context.Context, authorID string) (store.Note, error) {
			return store.Note{ID: "n2", AuthorID: authorID}, nil
		},
		insertNoteFn: func(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
			t.Fatal("must not create a note when one exists")
			return store.Note{}, nil
		},
	}
	svc, _ := testService(t, fs)

	note, created, err := svc.LatestOrCreate(context.Background(), alice)
	if err != nil {
		t.Fatalf("LatestOrCreate: %v", err)
	}
	if created {
		t.Fatal("created=true for user with existing notes")
	}
	if note.ID != "n2" {
		t.Fatalf("got note %q, want n2", note.ID)
	}
}

func TestLatestOrCreateCreatesWhenEmpty(t *testing.T) {
	fs := &fakeStore{
		createWithWelcomeFn: func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
			return store.User{ID: userID, Email: email}, nil, nil
		},
		latestNoteFn: func(ctx context.Context, authorID string) (store.Note, error) {
			return store.Note{}, sql.ErrNoRows
		},
		insertNoteFn: func(ctx context.Context, noteID, authorID, text string) (store.Note, error) {
			return store.Note{ID: noteID, AuthorID: authorID, Text: text}, nil
		},
	}
	svc, _ := testService(t, fs)

	note, created, err := svc.LatestOrCreate(context.Background(), alice)
	if err != nil {
		t.Fatalf("LatestOrCreate: %v", err)
	}
	if !created {
		t.Fatal("created=false for user with no notes")
	}
	if note.ID == "" {
		t.Fatal("empty note id")
	}
}

func TestLatestOrCreateFirstVisitLandsOnWelcomeNote(t *testing.T) {
	fs := &fakeStore{
		createWithWelcomeFn: func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
			return store.User{ID: userID, Email: email},
				&store.Note{ID: noteID, AuthorID: userID, Text: text}, nil
		},
		latestNoteFn: func(ctx context.Context, authorID string) (store.Note, error) {
			t.Fatal("latest lookup must be skipped when the welcome note was just created")
			return store.Note{}, nil
		},
	}
	svc, _ := testService(t, fs)

	note, created, err := svc.LatestOrCreate(context.Background(), alice)
	if err != nil {
		t.Fatalf("LatestOrCreate: %v", err)
	}
	if !created {
		t.Fatal("created=false on first visit")
	}
	if note.Text != WelcomeNoteText {
		t.Fatalf("got text %q, want welcome note", note.Text)
	}
}

func TestAskNoNotesSkipsCompletion(t *testing.T) {
	fs := &fakeStore{
		listNotesFn: func(ctx context.Context, authorID string) ([]store.Note, error) {
			return []store.Note{}, nil
		},
	}
	svc, _ := testService(t, fs)
	completer := &fakeCompleter{
		completeFn: func(ctx context.Context, messages []assist.Message) (string, error) {
			return "should not be called", nil
		},
	}
	svc.completer = completer

	answer, err := svc.Ask(context.Background(), alice, []string{"what did I write?"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != NoNotesMessage {
		t.Fatalf("got %q, want %q", answer, NoNotesMessage)
	}
	if completer.calls != 0 {
		t.Fatalf("completer called %d times for empty corpus", completer.calls)
	}
}

func TestAskFallsBackOnCompletionFailure(t *testing.T) {
	fs := &fakeStore{
		listNotesFn: func(ctx context.Context, authorID string) ([]store.Note, error) {
			return []store.Note{{ID: "n1", AuthorID: authorID, Text: "groceries"}}, nil
		},
	}
	svc, _ := testService(t, fs)
	svc.completer = &fakeCompleter{
		completeFn: func(ctx context.Context, messages []assist.Message) (string, error) {
			return "", errors.New("upstream 500")
		},
	}

	answer, err := svc.Ask(context.Background(), alice, []string{"what do I need?"}, nil)
	if err != nil {
		t.Fatalf("Ask must not error on completion failure, got %v", err)
	}
	if answer != FallbackAnswer {
		t.Fatalf("got %q, want %q", answer, FallbackAnswer)
	}
}

func TestAskRejectsEmptyQuestions(t *testing.T) {
	svc, _ := testService(t, &fakeStore{})

	_, err := svc.Ask(context.Background(), alice, nil, nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusBadRequest {
		t.Fatalf("got %v, want 400 DomainError", err)
	}
}

func TestBuildAskMessagesTranscript(t *testing.T) {
	notes := []store.Note{
		{ID: "n1", Text: "buy milk", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}
	questions := []string{"first?", "second?"}
	priorAnswers := []string{"<p>first answer</p>"}

	messages := buildAskMessages(notes, questions, priorAnswers)

	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if messages[0].Role != "system" || !strings.Contains(messages[0].Content, "buy milk") {
		t.Fatalf("system message missing note corpus: %+v", messages[0])
	}
	want := []struct{ role, content string }{
		{"user", "first?"},
		{"assistant", "<p>first answer</p>"},
		{"user", "second?"},
	}
	for i, w := range want {
		got := messages[i+1]
		if got.Role != w.role || got.Content != w.content {
			t.Fatalf("message %d: got %s %q, want %s %q", i+1, got.Role, got.Content, w.role, w.content)
		}
	}
}

func TestBuildAskMessagesCorpusNewestCreatedFirst(t *testing.T) {
	now := time.Now()
	// ListNotes order is by edit recency; the corpus reorders by creation.
	notes := []store.Note{
		{ID: "old", Text: "created first", CreatedAt: now.Add(-time.Hour), UpdatedAt: now},
		{ID: "new", Text: "created second", CreatedAt: now, UpdatedAt: now.Add(-time.Hour)},
	}

	messages := buildAskMessages(notes, []string{"q"}, nil)

	system := messages[0].Content
	newer := strings.Index(system, "created second")
	older := strings.Index(system, "created first")
	if newer < 0 || older < 0 {
		t.Fatalf("corpus missing notes: %q", system)
	}
	if newer > older {
		t.Fatalf("newest-created note must come first in the corpus")
	}
}

func TestSignInNormalizesEmail(t *testing.T) {
	svc, _ := testService(t, &fakeStore{})
	svc.provider = &fakeProvider{
		signInFn: func(ctx context.Context, email, password string) (identity.TokenPair, error) {
			if email != "alice@example.com" {
				t.Fatalf("got email %q, want normalized", email)
			}
			return identity.TokenPair{AccessToken: "tok"}, nil
		},
	}

	tokens, err := svc.SignIn(context.Background(), "  Alice@Example.COM ", "hunter2")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if tokens.AccessToken != "tok" {
		t.Fatalf("got token %q", tokens.AccessToken)
	}
}

func TestSignInBootstrapsFirstLogin(t *testing.T) {
	bootstrapped := false
	fs := &fakeStore{
		createWithWelcomeFn: func(ctx context.Context, userID, email, noteID, text string) (store.User, *store.Note, error) {
			bootstrapped = true
			return store.User{ID: userID, Email: email},
				&store.Note{ID: noteID, AuthorID: userID, Text: text}, nil
		},
	}
	svc, _ := testService(t, fs)
	svc.verifier = &fakeVerifier{
		verifyFn: func(raw string) (identity.Principal, error) {
			if raw != "tok" {
				return identity.Principal{}, identity.ErrInvalidToken
			}
			return alice, nil
		},
	}
	svc.provider = &fakeProvider{
		signInFn: func(ctx context.Context, email, password string) (identity.TokenPair, error) {
			return identity.TokenPair{AccessToken: "tok"}, nil
		},
	}

	if _, err := svc.SignIn(context.Background(), "alice@example.com", "hunter2"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !bootstrapped {
		t.Fatal("first signin did not bootstrap the user")
	}
}

func TestSignInRejectsEmptyCredentials(t *testing.T) {
	svc, _ := testService(t, &fakeStore{})

	_, err := svc.SignIn(context.Background(), "", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusBadRequest {
		t.Fatalf("got %v, want 400 DomainError", err)
	}
}

func TestPrincipalFromTokenVerifies(t *testing.T) {
	svc, _ := testService(t, &fakeStore{})
	svc.verifier = &fakeVerifier{
		verifyFn: func(raw string) (identity.Principal, error) {
			if raw != "good-token" {
				return identity.Principal{}, identity.ErrInvalidToken
			}
			return alice, nil
		},
	}

	principal, err := svc.PrincipalFromToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("PrincipalFromToken: %v", err)
	}
	if principal.ID != alice.ID {
		t.Fatalf("got principal %q", principal.ID)
	}

	if _, err := svc.PrincipalFromToken(context.Background(), "bad-token"); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}
