// Package models provides data models for the game data manager.
package models

import (
	"time"
)

// UserFlag is a permission bit on a scanner-owning user.
type UserFlag uint32

const (
	UserFlagInsertPlayerPrices   UserFlag = 1 << 0
	UserFlagInsertTraderPrices   UserFlag = 1 << 1
	UserFlagTrustTraderUnlocks   UserFlag = 1 << 2
	UserFlagSkipPriceInsert      UserFlag = 1 << 3
	UserFlagJSONDownload         UserFlag = 1 << 4
	UserFlagOverseer             UserFlag = 1 << 5
	UserFlagSubmitArchivedPrices UserFlag = 1 << 6
)

// Has reports whether every bit of f is set.
func (u UserFlag) Has(f UserFlag) bool {
	return f != 0 && u&f == f
}

// ScannerFlag is a behaviour bit on a single scanner.
type ScannerFlag uint32

const (
	ScannerFlagNone               ScannerFlag = 0
	ScannerFlagIgnoreMissingScans ScannerFlag = 1 << 0
	ScannerFlagSkipPriceInsert    ScannerFlag = 1 << 1
)

// Has reports whether every bit of f is set.
func (s ScannerFlag) Has(f ScannerFlag) bool {
	return f != 0 && s&f == f
}

// User owns scanners and carries their permissions.
type User struct {
	ID          int64     `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Password    string    `json:"-" db:"password"`
	Flags       UserFlag  `json:"flags" db:"flags"`
	MaxScanners int       `json:"maxScanners" db:"max_scanners"`
	Disabled    bool      `json:"disabled" db:"disabled"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// CanScan reports whether the user may run scanners for category at all.
func (u *User) CanScan(category ScanCategory) bool {
	if u.Disabled {
		return false
	}
	switch category {
	case CategoryTrader:
		return u.Flags.Has(UserFlagInsertTraderPrices)
	default:
		return u.Flags.Has(UserFlagInsertPlayerPrices)
	}
}

// Scanner is a remote pricing agent identity owned by a user.
type Scanner struct {
	ID             int64       `json:"id" db:"id"`
	Name           string      `json:"name" db:"name"`
	UserID         int64       `json:"userId" db:"scanner_user_id"`
	Flags          ScannerFlag `json:"flags" db:"flags"`
	Disabled       bool        `json:"disabled" db:"disabled"`
	LastScan       *time.Time  `json:"lastScan,omitempty" db:"last_scan"`
	TraderLastScan *time.Time  `json:"traderLastScan,omitempty" db:"trader_last_scan"`
}

// LastScanFor returns the freshness stamp that governs leases in category.
func (s *Scanner) LastScanFor(category ScanCategory) *time.Time {
	if category == CategoryTrader {
		return s.TraderLastScan
	}
	return s.LastScan
}

// Role is the handshake role of a channel client.
type Role string

const (
	RoleScanner  Role = "scanner"
	RoleListener Role = "listener"
	RoleOverseer Role = "overseer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleScanner, RoleListener, RoleOverseer:
		return true
	default:
		return false
	}
}
