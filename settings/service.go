package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
)

// Auditor appends log entries on the caller's querier.
type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

type Service struct {
	pool  db.TxBeginner
	repo  Repository
	audit Auditor
	now   func() time.Time

	cacheTTL time.Duration
	mu       sync.Mutex
	cached   Values
	cachedAt time.Time
}

func NewService(pool db.TxBeginner, repo Repository, auditor Auditor) *Service {
	if auditor == nil {
		auditor = audit.Writer{}
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		audit: auditor,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithCache keeps Values for ttl. A successful BulkUpdate drops the cache.
func (s *Service) WithCache(ttl time.Duration) *Service {
	s.cacheTTL = ttl
	return s
}

func (s *Service) Get(ctx context.Context, key string) (Setting, error) {
	return s.repo.Get(ctx, key)
}

func (s *Service) All(ctx context.Context) ([]Setting, error) {
	return s.repo.All(ctx)
}

// Values returns every stored setting as a map.
func (s *Service) Values(ctx context.Context) (Values, error) {
	if v, ok := s.fromCache(); ok {
		return v, nil
	}
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	v := make(Values, len(all))
	for _, st := range all {
		v[st.Key] = st.Value
	}
	if s.cacheTTL > 0 {
		s.mu.Lock()
		s.cached, s.cachedAt = v, s.now()
		s.mu.Unlock()
	}
	return v.clone(), nil
}

func (s *Service) fromCache() (Values, bool) {
	if s.cacheTTL <= 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || s.now().Sub(s.cachedAt) >= s.cacheTTL {
		return nil, false
	}
	return s.cached.clone(), true
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// BulkUpdate validates every value, then writes them in one transaction.
// Nothing is written when any key is unknown or any value is invalid.
func (s *Service) BulkUpdate(ctx context.Context, p auth.Principal, values map[string]string) error {
	if err := auth.RequireRole(p, auth.RoleAdmin); err != nil {
		return err
	}
	if len(values) == 0 {
		return apperr.Validation("settings: nothing to update", map[string]string{"settings": "no values submitted"})
	}

	clean := make(map[string]string, len(values))
	fields := map[string]string{}
	for key, raw := range values {
		def, ok := definitions[key]
		if !ok {
			fields[key] = "unknown setting"
			continue
		}
		v, msg := def.check(strings.TrimSpace(raw))
		if msg != "" {
			fields[key] = msg
			continue
		}
		clean[key] = v
	}
	if len(fields) > 0 {
		return apperr.Validation("settings: invalid settings", fields)
	}

	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := s.now()
	by := p.UserID
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, k := range keys {
			if err := s.repo.Upsert(ctx, tx, Setting{Key: k, Value: clean[k], UpdatedBy: &by, UpdatedAt: now}); err != nil {
				return err
			}
		}
		if _, err := s.audit.Append(ctx, tx, audit.Entry{
			UserID: p.UserID,
			Action: audit.ActionSettingsUpdated,
			Details: map[string]any{
				"keys":   keys,
				"values": clean,
			},
		}); err != nil {
			return fmt.Errorf("settings: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate()
	return nil
}
