package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements ProfileStore and AccountStore over lib/pq.
// Tag and id sets are stored as jsonb columns so a profile row is the
// single unit of storage, matching the per-key atomicity the core expects.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects using DATABASE_URL, falling back to the
// development DSN, and bootstraps the schema.
func OpenPostgresStore() (*PostgresStore, error) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		connStr = "user=admin password=password dbname=bandmatchdb sslmode=disable"
		log.Println("Warning: DATABASE_URL not set, using default connection string")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("connecting to the database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("cannot reach the database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	log.Println("Database connection established successfully")
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id              TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL DEFAULT '',
			contact_handle  TEXT NOT NULL DEFAULT '',
			offers          JSONB NOT NULL DEFAULT '[]',
			seeks           JSONB NOT NULL DEFAULT '[]',
			bio             TEXT NOT NULL DEFAULT '',
			pending_out     JSONB NOT NULL DEFAULT '[]',
			pending_in      JSONB NOT NULL DEFAULT '[]',
			matches         JSONB NOT NULL DEFAULT '[]',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS accounts (
			email         TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			profile_id    TEXT NOT NULL REFERENCES profiles(id)
		);
	`)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

const profileColumns = `id, display_name, contact_handle, offers, seeks, bio, pending_out, pending_in, matches, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var offers, seeks, pendingOut, pendingIn, matches []byte
	err := row.Scan(&p.ID, &p.DisplayName, &p.ContactHandle, &offers, &seeks,
		&p.Bio, &pendingOut, &pendingIn, &matches, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		name string
		raw  []byte
		dst  *[]string
	}{
		{"offers", offers, &p.Offers},
		{"seeks", seeks, &p.Seeks},
		{"pending_out", pendingOut, &p.PendingOutgoing},
		{"pending_in", pendingIn, &p.PendingIncoming},
		{"matches", matches, &p.Matches},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("profile %s: decode %s: %w", p.ID, col.name, err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p *Profile) error {
	offers, _ := json.Marshal(emptyIfNil(p.Offers))
	seeks, _ := json.Marshal(emptyIfNil(p.Seeks))
	pendingOut, _ := json.Marshal(emptyIfNil(p.PendingOutgoing))
	pendingIn, _ := json.Marshal(emptyIfNil(p.PendingIncoming))
	matches, _ := json.Marshal(emptyIfNil(p.Matches))

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, contact_handle, offers, seeks, bio, pending_out, pending_in, matches, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			display_name   = EXCLUDED.display_name,
			contact_handle = EXCLUDED.contact_handle,
			offers         = EXCLUDED.offers,
			seeks          = EXCLUDED.seeks,
			bio            = EXCLUDED.bio,
			pending_out    = EXCLUDED.pending_out,
			pending_in     = EXCLUDED.pending_in,
			matches        = EXCLUDED.matches
	`, p.ID, p.DisplayName, p.ContactHandle, offers, seeks, p.Bio, pendingOut, pendingIn, matches, createdAt)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("list profiles: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePair locks both rows FOR UPDATE in ascending id order so two
// concurrent handshake operations on the same pair can't deadlock, then
// writes both sides in the same transaction.
func (s *PostgresStore) UpdatePair(ctx context.Context, aID, bID string, fn func(a, b *Profile) error) error {
	if aID == bID {
		return fmt.Errorf("update_pair: same profile on both sides")
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		first, second := aID, bID
		if second < first {
			first, second = second, first
		}

		locked := make(map[string]*Profile, 2)
		for _, id := range []string{first, second} {
			row := tx.QueryRowContext(ctx,
				`SELECT `+profileColumns+` FROM profiles WHERE id = $1 FOR UPDATE`, id)
			p, err := scanProfile(row)
			if err == sql.ErrNoRows {
				return ErrProfileNotFound
			}
			if err != nil {
				return fmt.Errorf("lock profile %s: %w", id, err)
			}
			locked[id] = p
		}

		pa, pb := locked[aID], locked[bID]
		if err := fn(pa, pb); err != nil {
			return err
		}

		for _, p := range []*Profile{pa, pb} {
			pendingOut, _ := json.Marshal(emptyIfNil(p.PendingOutgoing))
			pendingIn, _ := json.Marshal(emptyIfNil(p.PendingIncoming))
			matches, _ := json.Marshal(emptyIfNil(p.Matches))
			if _, err := tx.ExecContext(ctx, `
				UPDATE profiles SET pending_out = $2, pending_in = $3, matches = $4
				WHERE id = $1
			`, p.ID, pendingOut, pendingIn, matches); err != nil {
				return fmt.Errorf("write profile %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// jsonb round-tripping turns nil slices into JSON null; keep them arrays.
func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// --- account storage ---

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

func (s *PostgresStore) CreateAccount(ctx context.Context, email, passwordHash, profileID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email, password_hash, profile_id) VALUES ($1, $2, $3)`,
		email, passwordHash, profileID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupAccount(ctx context.Context, email string) (profileID, passwordHash string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT profile_id, password_hash FROM accounts WHERE email = $1`, email).
		Scan(&profileID, &passwordHash)
	if err == sql.ErrNoRows {
		return "", "", ErrAccountNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup account: %w", err)
	}
	return profileID, passwordHash, nil
}
