// Package storage is the durable-store collaborator: gorm-backed persistence
// for call sessions, escrow transactions and user wallets. Escrow status
// moves only through conditional updates so concurrent or replayed
// transitions lose the compare-and-swap instead of corrupting the ledger.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketsignal/escrow"
	"marketsignal/signal"
)

// GormStore implements the durable-store contracts consumed by the call and
// escrow engines, plus the presence hook used by the session gateway.
type GormStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, nowFn: time.Now}
}

// SetNowFunc overrides the time source. Test only.
func (s *GormStore) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// CreateCallSession persists the canonical record of an accepted call and
// returns its id.
func (s *GormStore) CreateCallSession(ctx context.Context, caller, receiver, room string) (string, error) {
	session := CallSession{
		ID:         uuid.NewString(),
		Room:       room,
		CallerID:   caller,
		ReceiverID: receiver,
		CreatedAt:  s.nowFn().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return "", fmt.Errorf("create call session: %w", err)
	}
	return session.ID, nil
}

// EndCallSession sets the end timestamp once. Ending an already-ended session
// is a no-op; ending an unknown session is an error.
func (s *GormStore) EndCallSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&CallSession{}).
		Where("id = ? AND ended_at IS NULL", sessionID).
		Update("ended_at", endedAt.UTC())
	if res.Error != nil {
		return fmt.Errorf("end call session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&CallSession{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
			return fmt.Errorf("end call session: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("end call session: unknown session %s", sessionID)
		}
	}
	return nil
}

// CreateTransaction mints a new escrow transaction in the initiated status
// and returns its reference.
func (s *GormStore) CreateTransaction(ctx context.Context, buyerID string, amount int64, itemTitle, itemDescription string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("create escrow transaction: amount must be positive")
	}
	now := s.nowFn().UTC()
	tx := EscrowTransaction{
		Reference:       uuid.NewString(),
		BuyerID:         buyerID,
		Amount:          amount,
		ItemTitle:       itemTitle,
		ItemDescription: itemDescription,
		Status:          string(escrow.StatusInitiated),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&tx).Error; err != nil {
		return "", fmt.Errorf("create escrow transaction: %w", err)
	}
	return tx.Reference, nil
}

// UpdateTransaction applies a conditional status transition. The predicate
// requires the row to currently hold the expected predecessor status; a
// refused predicate surfaces as an invalid-transaction-state failure so
// replayed events never mutate twice.
func (s *GormStore) UpdateTransaction(ctx context.Context, reference string, from, to escrow.Status, callSessionID string) (*escrow.Transaction, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s is not a legal transition", signal.ErrInvalidTransactionState, from, to)
	}
	updates := map[string]any{
		"status":     string(to),
		"updated_at": s.nowFn().UTC(),
	}
	if callSessionID != "" {
		updates["call_session_id"] = callSessionID
	}
	res := s.db.WithContext(ctx).Model(&EscrowTransaction{}).
		Where("reference = ? AND status = ?", reference, string(from)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update escrow transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: transaction %s is not %s", signal.ErrInvalidTransactionState, reference, from)
	}
	return s.fetchTransaction(ctx, reference)
}

// ReleaseFunds settles held funds in favour of the seller: the status moves
// held -> released and the amount moves from the seller's escrowed balance to
// their spendable balance, all inside one database transaction. The losing
// side of a racing release fails the status predicate.
func (s *GormStore) ReleaseFunds(ctx context.Context, transactionID, sellerID, feedback string) (escrow.ReleaseResult, error) {
	var result escrow.ReleaseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row EscrowTransaction
		if err := tx.First(&row, "reference = ?", transactionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown transaction %s", signal.ErrInvalidTransactionState, transactionID)
			}
			return fmt.Errorf("load transaction: %w", err)
		}
		res := tx.Model(&EscrowTransaction{}).
			Where("reference = ? AND status = ?", transactionID, string(escrow.StatusHeld)).
			Updates(map[string]any{
				"status":     string(escrow.StatusReleased),
				"seller_id":  sellerID,
				"feedback":   feedback,
				"updated_at": s.nowFn().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("release transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: transaction %s is not %s", signal.ErrInvalidTransactionState, transactionID, escrow.StatusHeld)
		}
		debit := tx.Model(&User{}).
			Where("id = ? AND escrow_balance >= ?", sellerID, row.Amount).
			Update("escrow_balance", gorm.Expr("escrow_balance - ?", row.Amount))
		if debit.Error != nil {
			return fmt.Errorf("debit escrow balance: %w", debit.Error)
		}
		if debit.RowsAffected == 0 {
			return fmt.Errorf("escrow balance underflow for %s", sellerID)
		}
		credit := tx.Model(&User{}).
			Where("id = ?", sellerID).
			Update("balance", gorm.Expr("balance + ?", row.Amount))
		if credit.Error != nil {
			return fmt.Errorf("credit balance: %w", credit.Error)
		}
		result = escrow.ReleaseResult{
			Reference: row.Reference,
			Amount:    row.Amount,
			Status:    escrow.StatusReleased,
			ItemTitle: row.ItemTitle,
		}
		return nil
	})
	if err != nil {
		return escrow.ReleaseResult{}, err
	}
	return result, nil
}

// RefundFunds returns held or disputed funds to the buyer: the seller's
// escrowed balance is debited and the buyer's spendable balance credited
// atomically with the status move.
func (s *GormStore) RefundFunds(ctx context.Context, reference, buyerID, sellerID string) (*escrow.Transaction, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row EscrowTransaction
		if err := tx.First(&row, "reference = ?", reference).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown transaction %s", signal.ErrInvalidTransactionState, reference)
			}
			return fmt.Errorf("load transaction: %w", err)
		}
		res := tx.Model(&EscrowTransaction{}).
			Where("reference = ? AND status IN ?", reference, []string{
				string(escrow.StatusHeld), string(escrow.StatusDisputed),
			}).
			Updates(map[string]any{
				"status":     string(escrow.StatusRefunded),
				"seller_id":  sellerID,
				"updated_at": s.nowFn().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("refund transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: transaction %s is not refundable", signal.ErrInvalidTransactionState, reference)
		}
		debit := tx.Model(&User{}).
			Where("id = ? AND escrow_balance >= ?", sellerID, row.Amount).
			Update("escrow_balance", gorm.Expr("escrow_balance - ?", row.Amount))
		if debit.Error != nil {
			return fmt.Errorf("debit escrow balance: %w", debit.Error)
		}
		if debit.RowsAffected == 0 {
			return fmt.Errorf("escrow balance underflow for %s", sellerID)
		}
		credit := tx.Model(&User{}).
			Where("id = ?", buyerID).
			Update("balance", gorm.Expr("balance + ?", row.Amount))
		if credit.Error != nil {
			return fmt.Errorf("credit balance: %w", credit.Error)
		}
		if credit.RowsAffected == 0 {
			return fmt.Errorf("unknown buyer %s", buyerID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.fetchTransaction(ctx, reference)
}

// FetchUserByID loads a party's profile.
func (s *GormStore) FetchUserByID(ctx context.Context, id string) (escrow.User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return escrow.User{}, fmt.Errorf("unknown user %s", id)
		}
		return escrow.User{}, fmt.Errorf("fetch user: %w", err)
	}
	return escrow.User{ID: user.ID, Name: user.Name, Email: user.Email}, nil
}

// SetOnline flips the presence flag for a party. Used by the session gateway
// as a fire-and-forget side effect; a missing user row is not an error
// because presence repair happens on the next reconnect.
func (s *GormStore) SetOnline(ctx context.Context, identity string, online bool) error {
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", identity).
		Update("online", online)
	if res.Error != nil {
		return fmt.Errorf("set online flag: %w", res.Error)
	}
	return nil
}

func (s *GormStore) fetchTransaction(ctx context.Context, reference string) (*escrow.Transaction, error) {
	var row EscrowTransaction
	if err := s.db.WithContext(ctx).First(&row, "reference = ?", reference).Error; err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return row.toDomain(), nil
}
