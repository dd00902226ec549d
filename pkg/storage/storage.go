// Package storage contains implementation independent invite store logic.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inbucket/listgate/pkg/config"
)

var (
	// ErrNotExist indicates the requested invite does not exist.
	ErrNotExist = errors.New("invite does not exist")

	// Constructors tracks registered storage constructors.
	Constructors = make(map[string]func(config.Storage) (Store, error))
)

// Invite is a tracked calendar invitation.
type Invite struct {
	UID       string
	Title     string
	Organizer string
	// Message is the raw message as received, reprocessed on refresh.
	Message   []byte
	Recurring bool
	Expiry    time.Time
	// Groups holds bare group names the invite was addressed to.
	Groups  []string
	Payload []byte
	Created time.Time
	Updated time.Time
}

// Store is the interface for invite and delivery ledger persistence.
type Store interface {
	// PutInvite creates or fully replaces the invite keyed by its UID. Created is kept from the
	// existing row on replace.
	PutInvite(ctx context.Context, inv *Invite) error
	GetInvite(ctx context.Context, uid string) (*Invite, error)
	// ListInvites returns every invite, ordered by UID.
	ListInvites(ctx context.Context) ([]*Invite, error)
	// DeleteInvite removes the invite and its ledger. It returns ErrNotExist if the uid is unknown.
	DeleteInvite(ctx context.Context, uid string) error

	// Ledger returns the addresses already sent the invite, sorted.
	Ledger(ctx context.Context, uid string) ([]string, error)
	// LedgerAll returns ledgers for several invites at once; uids without entries are absent.
	LedgerAll(ctx context.Context, uids []string) (map[string][]string, error)
	// RecordDelivered adds addrs to the ledger; pairs already present are ignored.
	RecordDelivered(ctx context.Context, uid string, addrs []string) error
	// ClearLedger removes all ledger entries for the invite.
	ClearLedger(ctx context.Context, uid string) error

	Close() error
}

// FromConfig creates an instance of the Store based on the provided configuration.
func FromConfig(c config.Storage) (Store, error) {
	if cf := Constructors[c.Type]; cf != nil {
		return cf(c)
	}
	return nil, fmt.Errorf("unknown storage type configured: %q", c.Type)
}
