package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/stringutil"
)

// Store implements an in-memory invite store.
type Store struct {
	sync.RWMutex
	invites map[string]*storage.Invite
	ledger  map[string]stringutil.Set
	now     func() time.Time
}

var _ storage.Store = &Store{}

// New returns an empty memory store.
func New(cfg config.Storage) (storage.Store, error) {
	return &Store{
		invites: make(map[string]*storage.Invite),
		ledger:  make(map[string]stringutil.Set),
		now:     time.Now,
	}, nil
}

// PutInvite stores a copy of inv, keeping Created from any previous version.
func (s *Store) PutInvite(ctx context.Context, inv *storage.Invite) error {
	if inv.UID == "" {
		return fmt.Errorf("invite uid is required")
	}
	c := clone(inv)
	now := s.now()
	s.Lock()
	defer s.Unlock()
	if old, ok := s.invites[inv.UID]; ok {
		c.Created = old.Created
	} else if c.Created.IsZero() {
		c.Created = now
	}
	c.Updated = now
	s.invites[inv.UID] = c
	return nil
}

// GetInvite returns a copy of the stored invite.
func (s *Store) GetInvite(ctx context.Context, uid string) (*storage.Invite, error) {
	s.RLock()
	defer s.RUnlock()
	inv, ok := s.invites[uid]
	if !ok {
		return nil, storage.ErrNotExist
	}
	return clone(inv), nil
}

// ListInvites returns copies of all invites ordered by uid.
func (s *Store) ListInvites(ctx context.Context) ([]*storage.Invite, error) {
	s.RLock()
	result := make([]*storage.Invite, 0, len(s.invites))
	for _, inv := range s.invites {
		result = append(result, clone(inv))
	}
	s.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// DeleteInvite removes the invite along with its ledger.
func (s *Store) DeleteInvite(ctx context.Context, uid string) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.invites[uid]; !ok {
		return storage.ErrNotExist
	}
	delete(s.invites, uid)
	delete(s.ledger, uid)
	return nil
}

// Ledger returns the sorted delivered addresses for uid.
func (s *Store) Ledger(ctx context.Context, uid string) ([]string, error) {
	s.RLock()
	defer s.RUnlock()
	return s.ledger[uid].Sorted(), nil
}

// LedgerAll returns the ledgers of the requested uids.
func (s *Store) LedgerAll(ctx context.Context, uids []string) (map[string][]string, error) {
	s.RLock()
	defer s.RUnlock()
	result := make(map[string][]string, len(uids))
	for _, uid := range uids {
		if l := s.ledger[uid]; len(l) > 0 {
			result[uid] = l.Sorted()
		}
	}
	return result, nil
}

// RecordDelivered adds addrs to the ledger of an existing invite.
func (s *Store) RecordDelivered(ctx context.Context, uid string, addrs []string) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.invites[uid]; !ok {
		return storage.ErrNotExist
	}
	l := s.ledger[uid]
	if l == nil {
		l = stringutil.NewSet()
		s.ledger[uid] = l
	}
	l.Add(addrs...)
	return nil
}

// ClearLedger forgets every delivery of uid.
func (s *Store) ClearLedger(ctx context.Context, uid string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.ledger, uid)
	return nil
}

// Close does nothing for the memory store.
func (s *Store) Close() error {
	return nil
}

func clone(inv *storage.Invite) *storage.Invite {
	c := *inv
	c.Message = append([]byte(nil), inv.Message...)
	c.Payload = append([]byte(nil), inv.Payload...)
	c.Groups = append([]string(nil), inv.Groups...)
	return &c
}
