package domain

import "time"

// Stock is the ledger row for a single SKU. It is only ever mutated through
// version-checked conditional updates.
type Stock struct {
	SkuID          int64
	TotalStock     int
	AvailableStock int
	LockedStock    int
	Version        int64 // optimistic locking
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Valid reports whether the row satisfies the ledger invariants.
func (s Stock) Valid() bool {
	return s.AvailableStock >= 0 &&
		s.LockedStock >= 0 &&
		s.AvailableStock+s.LockedStock <= s.TotalStock
}
