// Package entitlement provides PostgreSQL-backed subscription checks.
// A user may hold a time-based plan (active until an expiry date) or a
// document-based plan (a decrementing allowance).
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Plan identifies how a subscription grants access.
type Plan string

const (
	PlanMonthly  Plan = "monthly"
	PlanDocument Plan = "document"
)

// Subscription is one user's current grant.
type Subscription struct {
	UserID             int64
	Plan               Plan
	ExpiresAt          *time.Time
	DocumentsRemaining int
}

// ActiveAt reports whether the subscription still grants access at the
// given instant.
func (s Subscription) ActiveAt(now time.Time) bool {
	switch s.Plan {
	case PlanMonthly:
		return s.ExpiresAt != nil && now.Before(*s.ExpiresAt)
	case PlanDocument:
		return s.DocumentsRemaining > 0
	}
	return false
}

// Store wraps a PostgreSQL connection pool
type Store struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Get retrieves a user's subscription, or nil when none exists.
func (s *Store) Get(ctx context.Context, userID int64) (*Subscription, error) {
	sub := Subscription{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT plan, expires_at, documents_remaining
		 FROM subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&sub.Plan, &sub.ExpiresAt, &sub.DocumentsRemaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load subscription for %d: %w", userID, err)
	}
	return &sub, nil
}

// IsEntitled reports whether the user may submit a document right now.
func (s *Store) IsEntitled(ctx context.Context, userID int64) (bool, Plan, error) {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if sub == nil || !sub.ActiveAt(time.Now()) {
		return false, "", nil
	}
	return true, sub.Plan, nil
}

// ConsumeDocument decrements a document-plan allowance after a
// successful enqueue. Monthly plans are unmetered and left untouched.
func (s *Store) ConsumeDocument(ctx context.Context, userID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions
		 SET documents_remaining = documents_remaining - 1, updated_at = NOW()
		 WHERE user_id = $1 AND plan = $2 AND documents_remaining > 0`,
		userID, PlanDocument,
	)
	if err != nil {
		return fmt.Errorf("failed to consume document for %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		// Monthly plan or already empty; nothing to meter.
		return nil
	}
	return nil
}

// GrantMonthly gives or extends a time-based plan.
func (s *Store) GrantMonthly(ctx context.Context, userID int64, days int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, expires_at, documents_remaining)
		 VALUES ($1, $2, NOW() + make_interval(days => $3), 0)
		 ON CONFLICT (user_id) DO UPDATE
		 SET plan = $2,
		     expires_at = GREATEST(subscriptions.expires_at, NOW()) + make_interval(days => $3),
		     updated_at = NOW()`,
		userID, PlanMonthly, days,
	)
	if err != nil {
		return fmt.Errorf("failed to grant monthly plan to %d: %w", userID, err)
	}
	return nil
}

// GrantDocuments gives or tops up a document-based allowance.
func (s *Store) GrantDocuments(ctx context.Context, userID int64, documents int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, expires_at, documents_remaining)
		 VALUES ($1, $2, NULL, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET plan = $2,
		     documents_remaining = subscriptions.documents_remaining + $3,
		     updated_at = NOW()`,
		userID, PlanDocument, documents,
	)
	if err != nil {
		return fmt.Errorf("failed to grant documents to %d: %w", userID, err)
	}
	return nil
}
