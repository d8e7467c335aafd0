package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Account holds the security fields of one user account.
type Account struct {
	Identity         string    `json:"identity" yaml:"identity"`
	PasswordHash     string    `json:"-" yaml:"-"`
	FailedLoginCount int       `json:"failedLoginCount" yaml:"failed_login_count"`
	LockedUntil      time.Time `json:"lockedUntil,omitempty" yaml:"locked_until,omitempty"`
	Banned           bool      `json:"banned" yaml:"banned"`
	CreatedAt        time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"updated_at"`
}

// Locked reports whether the durable lock is still in force at now.
func (a Account) Locked(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

// AccountStore reads and updates account rows. Updates for identities
// without a row are no-ops, so failed logins for unknown names leave no trace.
type AccountStore struct {
	db  *DB
	now func() time.Time
}

// NewAccountStore creates a store on db.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// CreateAccount inserts a new account.
func (s *AccountStore) CreateAccount(ctx context.Context, identity, passwordHash string) error {
	if identity == "" || passwordHash == "" {
		return errors.New("identity and password hash are required")
	}
	now := s.now().Unix()
	res, err := s.db.exec(ctx,
		`INSERT INTO accounts (identity, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (identity) DO NOTHING`,
		identity, passwordHash, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountExists
	}
	return nil
}

// GetAccount loads one account.
func (s *AccountStore) GetAccount(ctx context.Context, identity string) (Account, error) {
	row := s.db.queryRow(ctx,
		`SELECT identity, password_hash, failed_login_count, locked_until, is_banned, created_at, updated_at
		 FROM accounts WHERE identity = ?`,
		identity,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

// ListAccounts returns every account ordered by identity.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.query(ctx,
		`SELECT identity, password_hash, failed_login_count, locked_until, is_banned, created_at, updated_at
		 FROM accounts ORDER BY identity`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (Account, error) {
	var (
		a                        Account
		locked, created, updated int64
	)
	if err := s.Scan(&a.Identity, &a.PasswordHash, &a.FailedLoginCount, &locked, &a.Banned, &created, &updated); err != nil {
		return Account{}, err
	}
	a.LockedUntil = fromUnix(locked)
	a.CreatedAt = fromUnix(created)
	a.UpdatedAt = fromUnix(updated)
	return a, nil
}

// SetPasswordHash replaces the stored hash.
func (s *AccountStore) SetPasswordHash(ctx context.Context, identity, passwordHash string) error {
	return s.update(ctx, true, `UPDATE accounts SET password_hash = ?, updated_at = ? WHERE identity = ?`,
		passwordHash, s.now().Unix(), identity)
}

// SetBanned sets or clears the account ban flag.
func (s *AccountStore) SetBanned(ctx context.Context, identity string, banned bool) error {
	return s.update(ctx, true, `UPDATE accounts SET is_banned = ?, updated_at = ? WHERE identity = ?`,
		banned, s.now().Unix(), identity)
}

// RecordLoginFailure increments the failed-login counter.
func (s *AccountStore) RecordLoginFailure(ctx context.Context, identity string) error {
	return s.update(ctx, false,
		`UPDATE accounts SET failed_login_count = failed_login_count + 1, updated_at = ? WHERE identity = ?`,
		s.now().Unix(), identity)
}

// ResetLoginFailures clears the failed-login counter.
func (s *AccountStore) ResetLoginFailures(ctx context.Context, identity string) error {
	return s.update(ctx, false,
		`UPDATE accounts SET failed_login_count = 0, updated_at = ? WHERE identity = ?`,
		s.now().Unix(), identity)
}

// LockAccount records a lock that expires at until.
func (s *AccountStore) LockAccount(ctx context.Context, identity string, until time.Time) error {
	return s.update(ctx, false,
		`UPDATE accounts SET locked_until = ?, updated_at = ? WHERE identity = ?`,
		unix(until), s.now().Unix(), identity)
}

// UnlockAccount clears the lock and the failed-login counter.
func (s *AccountStore) UnlockAccount(ctx context.Context, identity string) error {
	return s.update(ctx, false,
		`UPDATE accounts SET locked_until = 0, failed_login_count = 0, updated_at = ? WHERE identity = ?`,
		s.now().Unix(), identity)
}

func (s *AccountStore) update(ctx context.Context, mustExist bool, query string, args ...any) error {
	res, err := s.db.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if !mustExist {
		return nil
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
