package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"inkwell/api/internal/assist"
	"inkwell/api/internal/config"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// WelcomeNoteText seeds the single note created alongside a first-login user.
const WelcomeNoteText = "Welcome to your notes app! Start writing here..."

// NoNotesMessage is the fixed reply when a user asks the assistant before
// writing anything. The completion API is never called in that case.
const NoNotesMessage = "You don't have any notes yet."

// FallbackAnswer replaces the assistant's reply when the completion call
// fails; upstream failures never surface as request errors.
const FallbackAnswer = "A problem has occurred"

// principalCacheTTL caps how long a verified principal may be served from
// cache, independent of the token's own expiry.
const principalCacheTTL = 5 * time.Minute

const reconcileAttempts = 3

type dataStore interface {
	GetUser(context.Context, string) (store.User, error)
	InsertUserIfAbsent(context.Context, string, string) (store.User, bool, error)
	CreateUserWithWelcomeNote(context.Context, string, string, string, string) (store.User, *store.Note, error)
	InsertNote(context.Context, string, string, string) (store.Note, error)
	ListNotes(context.Context, string) ([]store.Note, error)
	GetNote(context.Context, string, string) (store.Note, error)
	UpdateNoteText(context.Context, string, string, string) (store.Note, error)
	DeleteNote(context.Context, string, string) error
	LatestNote(context.Context, string) (store.Note, error)
	Ping(context.Context) error
}

type tokenVerifier interface {
	Verify(raw string) (identity.Principal, error)
}

type authProvider interface {
	SignUp(ctx context.Context, email, password string) error
	SignInWithPassword(ctx context.Context, email, password string) (identity.TokenPair, error)
	SignOut(ctx context.Context, accessToken string) error
	Health(ctx context.Context) bool
}

type principalCache interface {
	Lookup(ctx context.Context, token string) (identity.Principal, error)
	Save(ctx context.Context, token string, principal identity.Principal, ttl time.Duration) error
	Invalidate(ctx context.Context, token string) error
}

type noteSearcher interface {
	Search(q search.Query) search.Response
	IndexNote(record search.NoteRecord)
	DeleteNote(id string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	verifier  tokenVerifier
	provider  authProvider
	cache     principalCache
	searchSvc noteSearcher
	completer assist.Completer
}

func New(cfg config.Config, dataStore *store.PostgresStore, verifier *identity.Verifier, provider *identity.Client, searchSvc *search.Service, completer assist.Completer) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		verifier:  verifier,
		provider:  provider,
		searchSvc: searchSvc,
		completer: completer,
	}
}

// NewWithPrincipalCache additionally wires the Redis principal cache.
func NewWithPrincipalCache(cfg config.Config, dataStore *store.PostgresStore, verifier *identity.Verifier, provider *identity.Client, cache *session.RedisStore, searchSvc *search.Service, completer assist.Completer) *Service {
	s := New(cfg, dataStore, verifier, provider, searchSvc, completer)
	s.cache = cache
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PrincipalFromToken resolves the verified identity behind a bearer token,
// consulting the cache first when one is configured.
func (s *Service) PrincipalFromToken(ctx context.Context, token string) (identity.Principal, error) {
	if s.cache != nil {
		if principal, err := s.cache.Lookup(ctx, token); err == nil {
			return principal, nil
		} else if !errors.Is(err, session.ErrCacheMiss) {
			log.Printf("app: principal cache lookup failed: %v", err)
		}
	}

	principal, err := s.verifier.Verify(token)
	if err != nil {
		return identity.Principal{}, err
	}

	if s.cache != nil {
		ttl := principalCacheTTL
		if !principal.ExpiresAt.IsZero() {
			if remaining := time.Until(principal.ExpiresAt); remaining < ttl {
				ttl = remaining
			}
		}
		if err := s.cache.Save(ctx, token, principal, ttl); err != nil {
			log.Printf("app: principal cache save failed: %v", err)
		}
	}
	return principal, nil
}

// SignUp registers credentials with the hosted provider. The local user row
// is not created here; reconciliation happens on first authenticated request.
func (s *Service) SignUp(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domainError(http.StatusBadRequest, "INVALID_CREDENTIALS", "Email and password are required", nil)
	}
	if err := s.provider.SignUp(ctx, email, password); err != nil {
		log.Printf("app: signup failed for %s: %v", email, err)
		return domainError(http.StatusBadGateway, "AUTH_PROVIDER_ERROR", "Sign up failed", nil)
	}
	return nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (identity.TokenPair, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return identity.TokenPair{}, domainError(http.StatusBadRequest, "INVALID_CREDENTIALS", "Email and password are required", nil)
	}
	tokens, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		log.Printf("app: signin failed for %s: %v", email, err)
		return identity.TokenPair{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
	}

	// First successful signin is the bootstrap moment: the local user row
	// and the welcome note are created together. A bootstrap failure does
	// not fail the signin; reconciliation runs again on the next request.
	if principal, verr := s.verifier.Verify(tokens.AccessToken); verr == nil {
		if _, _, berr := s.BootstrapUser(ctx, principal); berr != nil {
			log.Printf("app: first-login bootstrap for %s: %v", principal.ID, berr)
		}
	}
	return tokens, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, token); err != nil {
			log.Printf("app: principal cache invalidate failed: %v", err)
		}
	}
	if err := s.provider.SignOut(ctx, token); err != nil {
		log.Printf("app: signout failed: %v", err)
		return domainError(http.StatusBadGateway, "AUTH_PROVIDER_ERROR", "Sign out failed", nil)
	}
	return nil
}

// EnsureUser guarantees a local user row exists for the principal before any
// note operation references it. Concurrent invocation is expected: losing a
// creation race is success, resolved by re-fetching the winner's row.
// Transient storage failures are retried a bounded number of times; after
// that the reconciliation is terminal and dependent operations must not run.
func (s *Service) EnsureUser(ctx context.Context, principal identity.Principal) (store.User, error) {
	var user store.User
	err := retry.Do(ctx, s.reconcileBackoff(), func(ctx context.Context) error {
		var err error
		user, _, err = s.store.InsertUserIfAbsent(ctx, principal.ID, principal.Email)
		if err != nil {
			metrics.ReconciliationRetries.Inc()
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Printf("app: reconciliation failed for principal %s: %v", principal.ID, err)
		return store.User{}, domainError(http.StatusBadGateway, "RECONCILIATION_FAILED", "Could not initialize your account", nil)
	}
	return user, nil
}

// BootstrapUser is the first-login path: when the user row does not exist
// yet, it is created atomically with exactly one welcome note. When the row
// already exists the welcome note is nil.
func (s *Service) BootstrapUser(ctx context.Context, principal identity.Principal) (store.User, *store.Note, error) {
	var user store.User
	var note *store.Note
	err := retry.Do(ctx, s.reconcileBackoff(), func(ctx context.Context) error {
		var err error
		user, note, err = s.store.CreateUserWithWelcomeNote(ctx, principal.ID, principal.Email, util.NewID(), WelcomeNoteText)
		if err != nil {
			metrics.ReconciliationRetries.Inc()
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Printf("app: bootstrap failed for principal %s: %v", principal.ID, err)
		return store.User{}, nil, domainError(http.StatusBadGateway, "RECONCILIATION_FAILED", "Could not initialize your account", nil)
	}
	if note != nil {
		s.searchSvc.IndexNote(noteRecord(*note))
	}
	return user, note, nil
}

func (s *Service) reconcileBackoff() retry.Backoff {
	return retry.WithMaxRetries(reconcileAttempts-1, retry.NewConstant(250*time.Millisecond))
}

// CreateNote inserts an empty note for the principal. The user row is
// resolved proactively first; a foreign-key violation is never used as
// control flow.
func (s *Service) CreateNote(ctx context.Context, principal identity.Principal) (store.Note, error) {
	user, err := s.EnsureUser(ctx, principal)
	if err != nil {
		return store.Note{}, err
	}

	note, err := s.store.InsertNote(ctx, util.NewID(), user.ID, "")
	if err != nil {
		log.Printf("app: create note for user %s: %v", user.ID, err)
		return store.Note{}, fmt.Errorf("create note: %w", err)
	}
	s.searchSvc.IndexNote(noteRecord(note))
	return note, nil
}

// ListNotes returns the principal's notes, most recently updated first.
// A user with no notes gets an empty list, not an error.
func (s *Service) ListNotes(ctx context.Context, principal identity.Principal) ([]store.Note, error) {
	notes, err := s.store.ListNotes(ctx, principal.ID)
	if err != nil {
		log.Printf("app: list notes for user %s: %v", principal.ID, err)
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return notes, nil
}

// GetNote is owner-scoped; a foreign note and a missing note are both
// sql.ErrNoRows so callers cannot probe other users' note IDs.
func (s *Service) GetNote(ctx context.Context, principal identity.Principal, noteID string) (store.Note, error) {
	return s.store.GetNote(ctx, noteID, principal.ID)
}

// UpdateNote replaces the note body wholesale. Concurrent edits are
// last-writer-wins; there is no merge or conflict detection.
func (s *Service) UpdateNote(ctx context.Context, principal identity.Principal, noteID, text string) (store.Note, error) {
	note, err := s.store.UpdateNoteText(ctx, noteID, principal.ID, text)
	if err != nil {
		return store.Note{}, err
	}
	s.searchSvc.IndexNote(noteRecord(note))
	return note, nil
}

func (s *Service) DeleteNote(ctx context.Context, principal identity.Principal, noteID string) error {
	if err := s.store.DeleteNote(ctx, noteID, principal.ID); err != nil {
		return err
	}
	s.searchSvc.DeleteNote(noteID)
	return nil
}

// LatestNoteID resolves the default note for the entry view, or "" when the
// user has none.
func (s *Service) LatestNoteID(ctx context.Context, principal identity.Principal) (string, error) {
	note, err := s.store.LatestNote(ctx, principal.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		log.Printf("app: latest note for user %s: %v", principal.ID, err)
		return "", fmt.Errorf("latest note: %w", err)
	}
	return note.ID, nil
}

// LatestOrCreate returns the most recently updated note, creating one when
// the user has none. A first-time visitor lands on the welcome note. Two
// racing callers that both observe zero notes may each create a note; that
// duplicate is benign and each caller is pointed at the note it created.
func (s *Service) LatestOrCreate(ctx context.Context, principal identity.Principal) (store.Note, bool, error) {
	user, welcome, err := s.BootstrapUser(ctx, principal)
	if err != nil {
		return store.Note{}, false, err
	}
	if welcome != nil {
		return *welcome, true, nil
	}

	note, err := s.store.LatestNote(ctx, user.ID)
	if err == nil {
		return note, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Printf("app: latest note for user %s: %v", user.ID, err)
		return store.Note{}, false, fmt.Errorf("latest note: %w", err)
	}

	note, err = s.store.InsertNote(ctx, util.NewID(), user.ID, "")
	if err != nil {
		log.Printf("app: create default note for user %s: %v", user.ID, err)
		return store.Note{}, false, fmt.Errorf("create default note: %w", err)
	}
	s.searchSvc.IndexNote(noteRecord(note))
	return note, true, nil
}

// SearchNotes runs a full-text search over the principal's own notes.
func (s *Service) SearchNotes(ctx context.Context, principal identity.Principal, text string, limit, offset int) search.Response {
	return s.searchSvc.Search(search.Query{
		Text:     text,
		AuthorID: principal.ID,
		Limit:    limit,
		Offset:   offset,
	})
}

// Ask answers a question from the principal's note corpus. The full
// transcript arrives with every call; nothing is persisted between calls.
// An empty corpus short-circuits with NoNotesMessage, and completion
// failures degrade to FallbackAnswer rather than erroring the request.
func (s *Service) Ask(ctx context.Context, principal identity.Principal, questions, priorAnswers []string) (string, error) {
	if len(questions) == 0 {
		return "", domainError(http.StatusBadRequest, "INVALID_BODY", "At least one question is required", nil)
	}

	notes, err := s.store.ListNotes(ctx, principal.ID)
	if err != nil {
		log.Printf("app: ask list notes for user %s: %v", principal.ID, err)
		return "", fmt.Errorf("list notes: %w", err)
	}
	if len(notes) == 0 {
		return NoNotesMessage, nil
	}

	messages := buildAskMessages(notes, questions, priorAnswers)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancel()

	answer, err := s.completer.Complete(callCtx, messages)
	if err != nil {
		metrics.CompletionFailures.Inc()
		log.Printf("app: completion failed for user %s: %v", principal.ID, err)
		return FallbackAnswer, nil
	}
	return answer, nil
}

// Healthcheck reports dependency reachability for the healthcheck endpoint.
func (s *Service) Healthcheck(ctx context.Context) (database, auth bool) {
	database = s.store.Ping(ctx) == nil
	auth = s.provider.Health(ctx)
	return database, auth
}

const askSystemPrompt = `You are a helpful assistant that answers questions about a user's notes.
Assume all questions are related to the user's notes.
Make sure that your answers are not too verbose and you speak succinctly.
Your responses MUST be formatted in clean, valid HTML with proper structure.
Use tags like <p>, <strong>, <em>, <ul>, <ol>, <li>, <h1> to <h6>, and <br> when appropriate.
Do NOT wrap the entire response in a single <p> tag unless it's a single paragraph.
Avoid inline styles, JavaScript, or custom attributes.

Here are the user's notes:
`

// The corpus lists notes newest-created first, regardless of edit recency.
func buildAskMessages(notes []store.Note, questions, priorAnswers []string) []assist.Message {
	ordered := make([]store.Note, len(notes))
	copy(ordered, notes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	var corpus strings.Builder
	for _, note := range ordered {
		fmt.Fprintf(&corpus, "Text: %s\nCreated at: %s\nLast updated: %s\n\n",
			note.Text,
			note.CreatedAt.Format(time.RFC3339),
			note.UpdatedAt.Format(time.RFC3339),
		)
	}

	messages := []assist.Message{
		{Role: "system", Content: askSystemPrompt + corpus.String()},
	}
	for i, question := range questions {
		messages = append(messages, assist.Message{Role: "user", Content: question})
		if i < len(priorAnswers) {
			messages = append(messages, assist.Message{Role: "assistant", Content: priorAnswers[i]})
		}
	}
	return messages
}

func noteRecord(note store.Note) search.NoteRecord {
	return search.NoteRecord{
		ID:        note.ID,
		AuthorID:  note.AuthorID,
		Text:      note.Text,
		UpdatedAt: note.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
