package storage

import (
	"time"

	"gorm.io/gorm"

	"marketsignal/escrow"
)

// User stores a marketplace party's profile and wallet balances. Balances are
// int64 minor currency units and are only ever mutated through atomic SQL
// arithmetic, never read-modify-write.
type User struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	Email         string `gorm:"index"`
	Balance       int64  `gorm:"not null;default:0"`
	EscrowBalance int64  `gorm:"not null;default:0"`
	Online        bool   `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CallSession is the canonical record of one matched, accepted call. Created
// only on the accepted transition; the end timestamp is set once and the row
// is never mutated after that.
type CallSession struct {
	ID         string `gorm:"primaryKey"`
	Room       string `gorm:"index"`
	CallerID   string `gorm:"index"`
	ReceiverID string `gorm:"index"`
	CreatedAt  time.Time
	EndedAt    *time.Time
}

// EscrowTransaction is one held-funds handshake nested in a call session.
// Status moves only through conditional updates whose predicate names the
// expected predecessor status.
type EscrowTransaction struct {
	Reference       string `gorm:"primaryKey"`
	CallSessionID   string `gorm:"index"`
	BuyerID         string `gorm:"index"`
	SellerID        string `gorm:"index"`
	Amount          int64  `gorm:"not null"`
	ItemTitle       string
	ItemDescription string
	Status          string `gorm:"index"`
	Feedback        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AutoMigrate creates or updates the schema for every model owned here.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &CallSession{}, &EscrowTransaction{})
}

func (t *EscrowTransaction) toDomain() *escrow.Transaction {
	if t == nil {
		return nil
	}
	return &escrow.Transaction{
		Reference:       t.Reference,
		CallSessionID:   t.CallSessionID,
		BuyerID:         t.BuyerID,
		SellerID:        t.SellerID,
		Amount:          t.Amount,
		ItemTitle:       t.ItemTitle,
		ItemDescription: t.ItemDescription,
		Status:          escrow.Status(t.Status),
	}
}
