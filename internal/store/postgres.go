package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE id=$1`, userID,
	).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// InsertUserIfAbsent creates the user row if no row with that provider subject
// exists yet. A concurrent insert of the same subject is not an error: the
// ON CONFLICT target absorbs the id race, and a unique violation on email
// (the other uniqueness constraint) is resolved by re-fetching the winner.
// The returned bool reports whether this call created the row.
func (s *PostgresStore) InsertUserIfAbsent(ctx context.Context, userID, email string) (User, bool, error) {
	const insert = `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, email, created_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, insert, userID, email).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return User{}, false, fmt.Errorf("insert user: %w", err)
	}

	user, err = s.GetUser(ctx, userID)
	if err != nil {
		return User{}, false, fmt.Errorf("refetch user after conflict: %w", err)
	}
	return user, false, nil
}

// CreateUserWithWelcomeNote performs the first-login bootstrap: the user row
// and its welcome note are created in one transaction so a user can never be
// observed with a half-finished bootstrap. When the user already exists the
// existing row is returned and no note is created.
func (s *PostgresStore) CreateUserWithWelcomeNote(ctx context.Context, userID, email, noteID, welcomeText string) (User, *Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, nil, fmt.Errorf("begin bootstrap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var user User
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, email, created_at
	`, userID, email).Scan(&user.ID, &user.Email, &user.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		// Another caller won the race; their bootstrap owns the welcome note.
		_ = tx.Rollback()
		user, err = s.GetUser(ctx, userID)
		if err != nil {
			return User{}, nil, fmt.Errorf("refetch user after conflict: %w", err)
		}
		return user, nil, nil
	}
	if err != nil {
		return User{}, nil, fmt.Errorf("insert user: %w", err)
	}

	var note Note
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notes (id, author_id, text)
		VALUES ($1, $2, $3)
		RETURNING id, author_id, text, created_at, updated_at
	`, noteID, userID, welcomeText).Scan(&note.ID, &note.AuthorID, &note.Text, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return User{}, nil, fmt.Errorf("insert welcome note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, nil, fmt.Errorf("commit bootstrap tx: %w", err)
	}
	return user, &note, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, noteID, authorID, text string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (id, author_id, text)
		VALUES ($1, $2, $3)
		RETURNING id, author_id, text, created_at, updated_at
	`, noteID, authorID, text).Scan(&note.ID, &note.AuthorID, &note.Text, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, authorID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, text, created_at, updated_at
		FROM notes
		WHERE author_id = $1
		ORDER BY updated_at DESC, created_at DESC
	`, authorID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.AuthorID, &note.Text, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// GetNote is owner-scoped: a note owned by someone else scans identically to
// a note that does not exist.
func (s *PostgresStore) GetNote(ctx context.Context, noteID, authorID string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, author_id, text, created_at, updated_at
		FROM notes
		WHERE id = $1 AND author_id = $2
	`, noteID, authorID).Scan(&note.ID, &note.AuthorID, &note.Text, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

// UpdateNoteText replaces the body wholesale and refreshes updated_at.
// Concurrent writers are last-writer-wins.
func (s *PostgresStore) UpdateNoteText(ctx context.Context, noteID, authorID, text string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		UPDATE notes
		SET text = $3, updated_at = NOW()
		WHERE id = $1 AND author_id = $2
		RETURNING id, author_id, text, created_at, updated_at
	`, noteID, authorID, text).Scan(&note.ID, &note.AuthorID, &note.Text, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID, authorID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = $1 AND author_id = $2`, noteID, authorID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete note rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) LatestNote(ctx context.Context, authorID string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, author_id, text, created_at, updated_at
		FROM notes
		WHERE author_id = $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1
	`, authorID).Scan(&note.ID, &note.AuthorID, &note.Text, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
