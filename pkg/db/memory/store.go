// Package memory keeps the ledger and monitored accounts in process memory.
// It backs tests and dry runs with the same semantics as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

type key struct {
	account string
	token   string
}

type Store struct {
	mu       sync.RWMutex
	changes  map[key][]*ledger.BalanceChange
	accounts map[string]*ledger.MonitoredAccount
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		changes:  map[key][]*ledger.BalanceChange{},
		accounts: map[string]*ledger.MonitoredAccount{},
		now:      time.Now,
	}
}

func clone(c *ledger.BalanceChange) *ledger.BalanceChange {
	cp := *c
	cp.TransactionHashes = append([]string(nil), c.TransactionHashes...)
	cp.ReceiptIDs = append([]string(nil), c.ReceiptIDs...)
	cp.RawData = append([]byte(nil), c.RawData...)
	return &cp
}

func (s *Store) InsertIfAbsent(_ context.Context, c *ledger.BalanceChange) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{c.AccountID, c.TokenID}
	rows := s.changes[k]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].BlockHeight >= c.BlockHeight })
	if i < len(rows) && rows[i].BlockHeight == c.BlockHeight {
		return false, nil
	}
	cp := clone(c)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = cp
	s.changes[k] = rows
	return true, nil
}

func (s *Store) Changes(_ context.Context, account, token string, f ledger.ChangeFilter) ([]*ledger.BalanceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.BalanceChange
	for _, c := range s.changes[key{account, token}] {
		if f.UpTo != 0 && c.BlockHeight > f.UpTo {
			break
		}
		if f.ExcludeSnapshots && c.IsSnapshot() {
			continue
		}
		out = append(out, clone(c))
	}
	return out, nil
}

func (s *Store) Earliest(_ context.Context, account, token string) (*ledger.BalanceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.changes[key{account, token}]
	if len(rows) == 0 {
		return nil, nil
	}
	return clone(rows[0]), nil
}

func (s *Store) Latest(_ context.Context, account, token string, upTo uint64) (*ledger.BalanceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.changes[key{account, token}]
	for i := len(rows) - 1; i >= 0; i-- {
		if upTo == 0 || rows[i].BlockHeight <= upTo {
			return clone(rows[i]), nil
		}
	}
	return nil, nil
}

func (s *Store) Tokens(_ context.Context, account string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, rows := range s.changes {
		if k.account == account && len(rows) > 0 {
			out = append(out, k.token)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpsertAccount(_ context.Context, account string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[account]; ok {
		a.Enabled = enabled
		return nil
	}
	s.accounts[account] = &ledger.MonitoredAccount{AccountID: account, Enabled: enabled, CreatedAt: s.now()}
	return nil
}

func copyAccount(a *ledger.MonitoredAccount) ledger.MonitoredAccount {
	cp := *a
	if a.DirtyAt != nil {
		t := *a.DirtyAt
		cp.DirtyAt = &t
	}
	if a.LastSyncedAt != nil {
		t := *a.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	return cp
}

func (s *Store) Account(_ context.Context, account string) (*ledger.MonitoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[account]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := copyAccount(a)
	return &cp, nil
}

func (s *Store) list(keep func(*ledger.MonitoredAccount) bool) []ledger.MonitoredAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.MonitoredAccount
	for _, a := range s.accounts {
		if keep(a) {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (s *Store) ListEnabled(context.Context) ([]ledger.MonitoredAccount, error) {
	return s.list(func(a *ledger.MonitoredAccount) bool { return a.Enabled }), nil
}

// ListDirty returns enabled accounts with a dirty marker, oldest marker first.
func (s *Store) ListDirty(context.Context) ([]ledger.MonitoredAccount, error) {
	out := s.list(func(a *ledger.MonitoredAccount) bool { return a.Enabled && a.DirtyAt != nil })
	sort.SliceStable(out, func(i, j int) bool { return out[i].DirtyAt.Before(*out[j].DirtyAt) })
	return out, nil
}

func (s *Store) MarkDirty(_ context.Context, account string, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := ledger.DirtyTimestamp(since)
	a, ok := s.accounts[account]
	if !ok {
		a = &ledger.MonitoredAccount{AccountID: account, Enabled: true, CreatedAt: s.now()}
		s.accounts[account] = a
	}
	a.DirtyAt = &t
	return nil
}

func (s *Store) ClearDirty(_ context.Context, account string, claimed time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[account]
	if !ok || a.DirtyAt == nil || !a.DirtyAt.Equal(ledger.DirtyTimestamp(claimed)) {
		return false, nil
	}
	now := s.now()
	a.DirtyAt = nil
	a.LastSyncedAt = &now
	return true, nil
}

func (s *Store) TouchSynced(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[account]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	now := s.now()
	a.LastSyncedAt = &now
	return nil
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.AccountStore = (*Store)(nil)
)
