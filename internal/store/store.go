package store

import (
	"likeswap.app/engine/core/db"
)

// Stores bundles the typed stores over one Querier, which may be a pool or a
// transaction.
type Stores struct {
	negotiations NegotiationStore
	identities   IdentityStore
	ledger       LedgerStore
}

func NewStores(q db.Querier) *Stores {
	return &Stores{
		negotiations: newNegotiationStore(q),
		identities:   newIdentityStore(q),
		ledger:       newLedgerStore(q),
	}
}

func (s *Stores) Negotiations() NegotiationStore {
	return s.negotiations
}

func (s *Stores) Identities() IdentityStore {
	return s.identities
}

func (s *Stores) Ledger() LedgerStore {
	return s.ledger
}
