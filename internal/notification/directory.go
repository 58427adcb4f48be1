// internal/notification/directory.go

package notification

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// RecipientDirectory is the user-identity boundary. It supplies contact data
// and turns batch target filters into user ids.
type RecipientDirectory interface {
	GetRecipient(ctx context.Context, userID int64) (*Recipient, error)
	ResolveTargets(ctx context.Context, filters JSONMap) ([]int64, error)
}

// ErrRecipientNotFound is returned for unknown or inactive users
var ErrRecipientNotFound = errors.New("recipient not found")

// targetUserIDs parses {"user_ids": [...]} and {"all_users": true}
func targetUserIDs(filters JSONMap) (ids []int64, all bool, err error) {
	if len(filters) == 0 {
		return nil, false, invalid("target_filters", "target_filters must name user_ids or all_users")
	}
	for key := range filters {
		if key != "user_ids" && key != "all_users" {
			return nil, false, invalid("target_filters", "unsupported filter %q", key)
		}
	}
	if v, ok := filters["all_users"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, false, invalid("target_filters", "all_users must be a boolean")
		}
		if b {
			return nil, true, nil
		}
	}

	raw, ok := filters["user_ids"]
	if !ok {
		return nil, false, invalid("target_filters", "target_filters must name user_ids or all_users")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false, invalid("target_filters", "user_ids must be a list")
	}
	seen := make(map[int64]bool, len(list))
	for _, item := range list {
		var id int64
		switch v := item.(type) {
		case float64:
			id = int64(v)
		case int:
			id = int64(v)
		case int64:
			id = v
		default:
			return nil, false, invalid("target_filters", "user_ids must contain integers")
		}
		if id <= 0 {
			return nil, false, invalid("target_filters", "user_ids must be positive")
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, false, nil
}

type postgresDirectory struct {
	db     *sqlx.DB
	tokens PushTokenStore
}

// NewPostgresDirectory reads recipients from the platform users table
func NewPostgresDirectory(db *sqlx.DB, tokens PushTokenStore) RecipientDirectory {
	return &postgresDirectory{db: db, tokens: tokens}
}

func (d *postgresDirectory) GetRecipient(ctx context.Context, userID int64) (*Recipient, error) {
	var rcpt Recipient
	err := d.db.GetContext(ctx, &rcpt, `
        SELECT id, COALESCE(email, '') AS email, COALESCE(phone, '') AS phone,
               COALESCE(username, '') AS username, COALESCE(full_name, '') AS full_name
        FROM users WHERE id = $1 AND is_active = TRUE`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}

	tokens, err := d.tokens.GetUserPushTokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range tokens {
		rcpt.PushTokens = append(rcpt.PushTokens, t.Token)
	}
	return &rcpt, nil
}

func (d *postgresDirectory) ResolveTargets(ctx context.Context, filters JSONMap) ([]int64, error) {
	ids, all, err := targetUserIDs(filters)
	if err != nil {
		return nil, err
	}

	resolved := []int64{}
	if all {
		err = d.db.SelectContext(ctx, &resolved, `SELECT id FROM users WHERE is_active = TRUE ORDER BY id`)
		return resolved, err
	}
	if len(ids) == 0 {
		return resolved, nil
	}
	err = d.db.SelectContext(ctx, &resolved,
		`SELECT id FROM users WHERE id = ANY($1) AND is_active = TRUE ORDER BY id`, pq.Array(ids))
	return resolved, err
}

// MemoryDirectory is an in-process RecipientDirectory
type MemoryDirectory struct {
	mu     sync.RWMutex
	users  map[int64]*Recipient
	tokens PushTokenStore
}

// NewMemoryDirectory creates an empty directory. tokens may be nil.
func NewMemoryDirectory(tokens PushTokenStore) *MemoryDirectory {
	return &MemoryDirectory{users: make(map[int64]*Recipient), tokens: tokens}
}

// Add registers or replaces a recipient
func (d *MemoryDirectory) Add(r Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[r.UserID] = &r
}

func (d *MemoryDirectory) GetRecipient(ctx context.Context, userID int64) (*Recipient, error) {
	d.mu.RLock()
	r, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrRecipientNotFound
	}

	out := *r
	out.PushTokens = append([]string(nil), r.PushTokens...)
	if d.tokens != nil {
		tokens, err := d.tokens.GetUserPushTokens(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			out.PushTokens = append(out.PushTokens, t.Token)
		}
	}
	return &out, nil
}

func (d *MemoryDirectory) ResolveTargets(ctx context.Context, filters JSONMap) ([]int64, error) {
	ids, all, err := targetUserIDs(filters)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	resolved := []int64{}
	if all {
		for id := range d.users {
			resolved = append(resolved, id)
		}
	} else {
		for _, id := range ids {
			if _, ok := d.users[id]; ok {
				resolved = append(resolved, id)
			}
		}
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i] < resolved[j] })
	return resolved, nil
}
