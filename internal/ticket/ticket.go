// Package ticket issues the single-use tokens that let a controller open
// its signaling socket. Tickets are stored in the docstore so a consume is
// atomic even with several frontends sharing one SQLite file.
package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/st-user/ojm-drone-remote/internal/docstore"
)

const ticketsCollection = "tickets"

var (
	ErrUnknownStartKey        = errors.New("unknown start key")
	ErrTicketExpiredOrUnknown = errors.New("ticket expired or unknown")
)

type record struct {
	StartKey  string    `json:"startKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Issuer struct {
	store     docstore.Store
	clock     clock.Clock
	expiresIn time.Duration

	// knownRoom guards issuance: no ticket for a start key the registry
	// has never seen.
	knownRoom func(startKey string) bool
}

type IssuerConfig struct {
	Store     docstore.Store
	Clock     clock.Clock
	ExpiresIn time.Duration
	KnownRoom func(startKey string) bool
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Issuer{
		store:     cfg.Store,
		clock:     cfg.Clock,
		expiresIn: cfg.ExpiresIn,
		knownRoom: cfg.KnownRoom,
	}
}

// Issue mints a ticket bound to startKey.
func (iss *Issuer) Issue(ctx context.Context, startKey string) (string, error) {
	if iss.knownRoom != nil && !iss.knownRoom(startKey) {
		return "", ErrUnknownStartKey
	}

	token := uuid.NewString()
	data, err := json.Marshal(record{
		StartKey:  startKey,
		ExpiresAt: iss.clock.Now().UTC().Add(iss.expiresIn),
	})
	if err != nil {
		return "", err
	}
	err = iss.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Put(ticketsCollection, token, data)
	})
	if err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return token, nil
}

// Consume redeems a ticket, returning its start key. The lookup and the
// delete happen in one transaction so a ticket redeems at most once.
func (iss *Issuer) Consume(ctx context.Context, token string) (string, error) {
	var startKey string
	err := iss.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		doc, ok, err := tx.Get(ticketsCollection, token)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTicketExpiredOrUnknown
		}
		var rec record
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			return err
		}
		if err := tx.Delete(ticketsCollection, token); err != nil {
			return err
		}
		if iss.clock.Now().UTC().After(rec.ExpiresAt) {
			return ErrTicketExpiredOrUnknown
		}
		startKey = rec.StartKey
		return nil
	})
	if err != nil {
		return "", err
	}
	return startKey, nil
}

// PruneExpired deletes tickets that expired unconsumed, so abandoned
// issuance does not accumulate in the store. Wired into the sweeper.
func (iss *Issuer) PruneExpired(ctx context.Context, now time.Time) error {
	return iss.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		docs, err := tx.List(ticketsCollection)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			var rec record
			if err := json.Unmarshal(doc.Data, &rec); err == nil && now.Before(rec.ExpiresAt) {
				continue
			}
			// Expired, or an unreadable row that nothing can redeem.
			if err := tx.Delete(ticketsCollection, doc.Key); err != nil {
				return err
			}
		}
		return nil
	})
}
