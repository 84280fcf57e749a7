package models

import "time"

// Account holds a wallet balance in minor currency units.
type Account struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"` // payment address, unique
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Balance   int64     `json:"balance"` // minor units, never negative
	Version   int64     `json:"version"` // bumped on every balance change
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Precondition guards an AccountStore.ApplyDelta call.
// The resulting balance must always be non-negative; ExpectedVersion
// additionally pins the version the caller read (0 means any version).
type Precondition struct {
	ExpectedVersion int64
}
