package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketsignal/escrow"
	"marketsignal/signal"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func setupStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	store := NewGormStore(db)
	seed := []User{
		{ID: "alice", Name: "Alice", Email: "alice@example.com", Balance: 50000},
		{ID: "bob", Name: "Bob", Email: "bob@example.com", Balance: 2000},
	}
	require.NoError(t, db.Create(&seed).Error)
	return store, db
}

func heldTransaction(t *testing.T, store *GormStore, amount int64) string {
	t.Helper()
	ctx := context.Background()
	ref, err := store.CreateTransaction(ctx, "alice", amount, "Vintage lamp", "Brass, 1960s")
	require.NoError(t, err)
	_, err = store.UpdateTransaction(ctx, ref, escrow.StatusInitiated, escrow.StatusHeld, "session-1")
	require.NoError(t, err)
	return ref
}

func creditEscrow(t *testing.T, db *gorm.DB, id string, amount int64) {
	t.Helper()
	res := db.Model(&User{}).Where("id = ?", id).
		Update("escrow_balance", gorm.Expr("escrow_balance + ?", amount))
	require.NoError(t, res.Error)
	require.EqualValues(t, 1, res.RowsAffected)
}

func userByID(t *testing.T, db *gorm.DB, id string) User {
	t.Helper()
	var user User
	require.NoError(t, db.First(&user, "id = ?", id).Error)
	return user
}

func TestCallSessionLifecycle(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	id, err := store.CreateCallSession(ctx, "alice", "bob", "room-1")
	require.NoError(t, err)
	endedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.EndCallSession(ctx, id, endedAt))

	var row CallSession
	require.NoError(t, db.First(&row, "id = ?", id).Error)
	require.NotNil(t, row.EndedAt)
	require.True(t, row.EndedAt.Equal(endedAt))

	// Ending twice is a no-op and must not move the timestamp.
	require.NoError(t, store.EndCallSession(ctx, id, endedAt.Add(time.Hour)))
	require.NoError(t, db.First(&row, "id = ?", id).Error)
	require.True(t, row.EndedAt.Equal(endedAt))

	require.Error(t, store.EndCallSession(ctx, "no-such-session", endedAt))
}

func TestCreateTransactionStartsInitiated(t *testing.T) {
	store, db := setupStore(t)

	ref, err := store.CreateTransaction(context.Background(), "alice", 10000, "Vintage lamp", "Brass, 1960s")
	require.NoError(t, err)

	var row EscrowTransaction
	require.NoError(t, db.First(&row, "reference = ?", ref).Error)
	require.Equal(t, string(escrow.StatusInitiated), row.Status)
	require.Equal(t, "alice", row.BuyerID)
	require.EqualValues(t, 10000, row.Amount)

	_, err = store.CreateTransaction(context.Background(), "alice", 0, "", "")
	require.Error(t, err)
}

func TestUpdateTransactionConditional(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	ref, err := store.CreateTransaction(ctx, "alice", 10000, "Vintage lamp", "")
	require.NoError(t, err)
	tx, err := store.UpdateTransaction(ctx, ref, escrow.StatusInitiated, escrow.StatusHeld, "session-1")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, tx.Status)
	require.Equal(t, "session-1", tx.CallSessionID)

	// Replaying the same transition fails the status predicate.
	_, err = store.UpdateTransaction(ctx, ref, escrow.StatusInitiated, escrow.StatusHeld, "session-1")
	require.ErrorIs(t, err, signal.ErrInvalidTransactionState)

	// Lifecycle-illegal transitions are refused before touching the row.
	_, err = store.UpdateTransaction(ctx, ref, escrow.StatusHeld, escrow.StatusInitiated, "")
	require.ErrorIs(t, err, signal.ErrInvalidTransactionState)
}

func TestReleaseFundsMovesBalances(t *testing.T) {
	store, db := setupStore(t)
	ref := heldTransaction(t, store, 10000)
	creditEscrow(t, db, "bob", 10000)

	result, err := store.ReleaseFunds(context.Background(), ref, "bob", "great seller")
	require.NoError(t, err)
	require.EqualValues(t, 10000, result.Amount)
	require.Equal(t, escrow.StatusReleased, result.Status)
	require.Equal(t, "Vintage lamp", result.ItemTitle)

	seller := userByID(t, db, "bob")
	require.EqualValues(t, 0, seller.EscrowBalance)
	require.EqualValues(t, 12000, seller.Balance)

	var row EscrowTransaction
	require.NoError(t, db.First(&row, "reference = ?", ref).Error)
	require.Equal(t, string(escrow.StatusReleased), row.Status)
	require.Equal(t, "bob", row.SellerID)
	require.Equal(t, "great seller", row.Feedback)
}

func TestReleaseFundsReplayLosesPredicate(t *testing.T) {
	store, db := setupStore(t)
	ref := heldTransaction(t, store, 10000)
	creditEscrow(t, db, "bob", 10000)

	_, err := store.ReleaseFunds(context.Background(), ref, "bob", "great")
	require.NoError(t, err)
	_, err = store.ReleaseFunds(context.Background(), ref, "bob", "great")
	require.ErrorIs(t, err, signal.ErrInvalidTransactionState)

	seller := userByID(t, db, "bob")
	require.EqualValues(t, 12000, seller.Balance)
	require.EqualValues(t, 0, seller.EscrowBalance)
}

func TestReleaseFundsUnderflowRollsBack(t *testing.T) {
	store, db := setupStore(t)
	ref := heldTransaction(t, store, 10000)
	// The seller's escrow balance was never credited: the debit predicate
	// fails and the whole database transaction rolls back.

	_, err := store.ReleaseFunds(context.Background(), ref, "bob", "great")
	require.Error(t, err)

	var row EscrowTransaction
	require.NoError(t, db.First(&row, "reference = ?", ref).Error)
	require.Equal(t, string(escrow.StatusHeld), row.Status)
	require.EqualValues(t, 2000, userByID(t, db, "bob").Balance)
}

func TestReleaseFundsUnknownTransaction(t *testing.T) {
	store, _ := setupStore(t)
	_, err := store.ReleaseFunds(context.Background(), "no-such-ref", "bob", "")
	require.ErrorIs(t, err, signal.ErrInvalidTransactionState)
}

func TestRefundFundsReturnsToBuyer(t *testing.T) {
	store, db := setupStore(t)
	ref := heldTransaction(t, store, 10000)
	creditEscrow(t, db, "bob", 10000)

	tx, err := store.RefundFunds(context.Background(), ref, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, tx.Status)

	buyer := userByID(t, db, "alice")
	require.EqualValues(t, 60000, buyer.Balance)
	seller := userByID(t, db, "bob")
	require.EqualValues(t, 0, seller.EscrowBalance)
	require.EqualValues(t, 2000, seller.Balance)

	_, err = store.RefundFunds(context.Background(), ref, "alice", "bob")
	require.ErrorIs(t, err, signal.ErrInvalidTransactionState)
}

func TestRefundFundsFromDisputed(t *testing.T) {
	store, db := setupStore(t)
	ref := heldTransaction(t, store, 10000)
	creditEscrow(t, db, "bob", 10000)
	_, err := store.UpdateTransaction(context.Background(), ref, escrow.StatusHeld, escrow.StatusDisputed, "")
	require.NoError(t, err)

	tx, err := store.RefundFunds(context.Background(), ref, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, tx.Status)
}

func TestFetchUserByID(t *testing.T) {
	store, _ := setupStore(t)

	user, err := store.FetchUserByID(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", user.Name)
	require.Equal(t, "alice@example.com", user.Email)

	_, err = store.FetchUserByID(context.Background(), "mallory")
	require.Error(t, err)
}

func TestSetOnline(t *testing.T) {
	store, db := setupStore(t)

	require.NoError(t, store.SetOnline(context.Background(), "alice", true))
	require.True(t, userByID(t, db, "alice").Online)
	require.NoError(t, store.SetOnline(context.Background(), "alice", false))
	require.False(t, userByID(t, db, "alice").Online)
	// Presence for an unknown identity is silently ignored.
	require.NoError(t, store.SetOnline(context.Background(), "mallory", true))
}
