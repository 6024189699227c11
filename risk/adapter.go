package risk

import (
	"github.com/web3guy0/pairbot/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER - Makes storage.Journal implement risk.StateStore
// ═══════════════════════════════════════════════════════════════════════════════
//
// The journal knows nothing about risk types and the governor knows nothing
// about GORM records. The adapter owns the conversion in both directions.
//
// ═══════════════════════════════════════════════════════════════════════════════

// JournalStore wraps a storage journal as a governor state store
type JournalStore struct {
	journal *storage.Journal
}

// NewJournalStore creates a state store backed by the journal
func NewJournalStore(journal *storage.Journal) *JournalStore {
	return &JournalStore{journal: journal}
}

// SaveState implements StateStore
func (s *JournalStore) SaveState(snap StateSnapshot) error {
	return s.journal.SaveRiskState(&storage.RiskStateRecord{
		Date:         snap.Date,
		RealizedPnL:  snap.RealizedPnL,
		DailyPnL:     snap.DailyPnL,
		Volume:       snap.Volume,
		TradeCount:   snap.TradeCount,
		LastCyclePnL: snap.LastCyclePnL,
		Halted:       snap.Halted,
		HaltReason:   snap.HaltReason,
	})
}

// LoadState implements StateStore
func (s *JournalStore) LoadState() (*StateSnapshot, error) {
	rec, err := s.journal.LoadLatestRiskState()
	if err != nil || rec == nil {
		return nil, err
	}
	return &StateSnapshot{
		Date:         rec.Date,
		RealizedPnL:  rec.RealizedPnL,
		DailyPnL:     rec.DailyPnL,
		Volume:       rec.Volume,
		TradeCount:   rec.TradeCount,
		LastCyclePnL: rec.LastCyclePnL,
		Halted:       rec.Halted,
		HaltReason:   rec.HaltReason,
	}, nil
}
