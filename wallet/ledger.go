// Package wallet mutates party balances through atomic SQL arithmetic. The
// escrow engine is the only caller; it never reads a balance in order to
// write one back, so concurrent handshakes cannot lose an increment.
package wallet

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"marketsignal/storage"
)

// GormLedger implements the wallet-ledger collaborator over the same database
// that holds user rows.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger wraps an open gorm handle.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// IncrementEscrowBalance adds amount to the identity's escrowed balance.
func (l *GormLedger) IncrementEscrowBalance(ctx context.Context, identity string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: increment must be positive")
	}
	res := l.db.WithContext(ctx).Model(&storage.User{}).
		Where("id = ?", identity).
		Update("escrow_balance", gorm.Expr("escrow_balance + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("ledger: increment escrow balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger: unknown identity %s", identity)
	}
	return nil
}
