package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"assetrails/internal/catalog"
	"assetrails/internal/content"
	"assetrails/internal/escrow"
	"assetrails/internal/faults"
	"assetrails/internal/ledger"
	"assetrails/internal/minting"
)

const (
	sellerAddr   = "0x00000000000000000000000000000000000000AB"
	buyerAddr    = "0x00000000000000000000000000000000000000B1"
	operatorAddr = "0x00000000000000000000000000000000000000EE"
)

type fixture struct {
	svc   *Service
	store *catalog.MemoryStore
	chain *ledger.FakeLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := catalog.NewMemoryStore()
	chain := ledger.NewFakeLedger()
	minter := minting.New(store, content.NewMemoryPublisher(), chain, minting.RetryPolicy{MaxAttempts: 1}, 1)
	svc := New(store, chain, minter, Config{
		HoldingPeriod: 100 * time.Second,
		ReleasePolicy: escrow.ReleasePolicy{Operator: operatorAddr},
		SubmitTimeout: 5 * time.Second,
	})
	return &fixture{svc: svc, store: store, chain: chain}
}

// waitForOp polls the tracking handle until the background leg settles.
func waitForOp(t *testing.T, svc *Service, handle string) *Operation {
	t.Helper()
	var op *Operation
	require.Eventually(t, func() bool {
		var err error
		op, err = svc.GetOperation(handle)
		return err == nil && op.State != OpPending
	}, 2*time.Second, 5*time.Millisecond)
	return op
}

func (f *fixture) seedListedListing(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutListing(ctx, &catalog.Listing{
		ID:            id,
		Title:         "vase",
		Price:         "5000",
		Owner:         sellerAddr,
		CertificateID: "42",
		State:         catalog.ListingListed,
		Active:        true,
	}))
}

func (f *fixture) seedOpenEscrow(t *testing.T, id string, deadline int64) {
	t.Helper()
	require.NoError(t, f.store.PutEscrow(context.Background(), &catalog.Escrow{
		ID:       id,
		Buyer:    buyerAddr,
		Seller:   sellerAddr,
		Amount:   "5000",
		Status:   escrow.StatusCreated,
		Deadline: deadline,
	}))
}

func TestRequestMintListsTheListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.CreateListing(ctx, "vase", "stoneware", "5000", sellerAddr)
	require.NoError(t, err)

	txHash := ledger.TxHashFor("mintNFT", 0)
	f.chain.StageReceipt(&ledger.Receipt{
		TxHash:      txHash,
		BlockNumber: 10,
		Success:     true,
		Logs: []types.Log{
			ledger.NewTransferLog(common.Address{}, common.HexToAddress(sellerAddr), big.NewInt(42), 10, 0, txHash),
		},
	})

	handle, err := f.svc.RequestMint(ctx, l.ID, []byte("image"))
	require.NoError(t, err)

	op := waitForOp(t, f.svc, handle)
	require.Equal(t, OpDone, op.State, op.Error)
	require.Equal(t, txHash.Hex(), op.TxHash)

	got, err := f.svc.Listing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.ListingListed, got.State)
	require.Equal(t, "42", got.CertificateID)
}

func TestRequestMintUnknownListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RequestMint(context.Background(), "missing", []byte("x"))
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRequestEscrowCreateRecordsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedListedListing(t, "l1")

	handle, err := f.svc.RequestEscrowCreate(ctx, "l1", buyerAddr, "5000")
	require.NoError(t, err)
	op := waitForOp(t, f.svc, handle)
	require.Equal(t, OpDone, op.State, op.Error)

	calls := f.chain.Submitted()
	require.Len(t, calls, 1)
	require.Equal(t, "createEscrow", calls[0].Method)
	require.Equal(t, int64(5000), calls[0].Value.Int64())

	intent, err := f.store.GetEscrowIntent(ctx, op.TxHash)
	require.NoError(t, err)
	require.Equal(t, "l1", intent.ListingID)
	require.Equal(t, "42", intent.CertificateID)
	require.Equal(t, sellerAddr, intent.Seller)
	require.Equal(t, buyerAddr, intent.Buyer)
}

func TestRequestEscrowCreateRejectsUnsellable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutListing(ctx, &catalog.Listing{
		ID:     "draft",
		Owner:  sellerAddr,
		State:  catalog.ListingDraft,
		Active: true,
	}))

	_, err := f.svc.RequestEscrowCreate(ctx, "draft", buyerAddr, "5000")
	require.ErrorIs(t, err, ErrNotForSale)
	require.True(t, faults.IsRejected(err))

	f.seedListedListing(t, "l1")
	_, err = f.svc.RequestEscrowCreate(ctx, "l1", buyerAddr, "not-a-number")
	require.ErrorIs(t, err, ErrBadAmount)

	_, err = f.svc.RequestEscrowCreate(ctx, "l1", buyerAddr, "-5")
	require.ErrorIs(t, err, ErrBadAmount)

	// Nothing reached the ledger.
	require.Empty(t, f.chain.Submitted())
}

func TestRequestReleaseAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOpenEscrow(t, "9", 2_000)
	f.svc.SetNowFunc(func() time.Time { return time.Unix(1_500, 0) })

	// Neither buyer nor operator.
	_, err := f.svc.RequestRelease(ctx, "9", sellerAddr)
	require.ErrorIs(t, err, escrow.ErrNotAuthorized)

	// Operator before the deadline.
	_, err = f.svc.RequestRelease(ctx, "9", operatorAddr)
	require.ErrorIs(t, err, escrow.ErrNotAuthorized)

	// Rejected requests never produce a ledger round-trip.
	require.Empty(t, f.chain.Submitted())

	// The buyer may release at any time.
	handle, err := f.svc.RequestRelease(ctx, "9", buyerAddr)
	require.NoError(t, err)
	op := waitForOp(t, f.svc, handle)
	require.Equal(t, OpDone, op.State, op.Error)

	calls := f.chain.Submitted()
	require.Len(t, calls, 1)
	require.Equal(t, "releaseEscrow", calls[0].Method)
}

func TestRequestReleaseOperatorAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOpenEscrow(t, "9", 2_000)
	f.svc.SetNowFunc(func() time.Time { return time.Unix(2_001, 0) })

	handle, err := f.svc.RequestRelease(ctx, "9", operatorAddr)
	require.NoError(t, err)
	op := waitForOp(t, f.svc, handle)
	require.Equal(t, OpDone, op.State, op.Error)
}

func TestRequestRefundDeadlineBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOpenEscrow(t, "9", 2_000)

	// One second early: still inside the holding period.
	f.svc.SetNowFunc(func() time.Time { return time.Unix(1_999, 0) })
	_, err := f.svc.RequestRefund(ctx, "9", buyerAddr)
	require.ErrorIs(t, err, escrow.ErrDeadlineNotOver)
	require.Empty(t, f.chain.Submitted())

	// Past the deadline the buyer reclaims the funds.
	f.svc.SetNowFunc(func() time.Time { return time.Unix(2_001, 0) })
	handle, err := f.svc.RequestRefund(ctx, "9", buyerAddr)
	require.NoError(t, err)
	op := waitForOp(t, f.svc, handle)
	require.Equal(t, OpDone, op.State, op.Error)

	calls := f.chain.Submitted()
	require.Len(t, calls, 1)
	require.Equal(t, "refundEscrow", calls[0].Method)
}

func TestRequestRefundTerminalEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutEscrow(ctx, &catalog.Escrow{
		ID:       "9",
		Buyer:    buyerAddr,
		Seller:   sellerAddr,
		Status:   escrow.StatusReleased,
		Deadline: 2_000,
	}))
	f.svc.SetNowFunc(func() time.Time { return time.Unix(3_000, 0) })

	_, err := f.svc.RequestRefund(ctx, "9", buyerAddr)
	require.ErrorIs(t, err, escrow.ErrNotOpen)
}

func TestDeactivateListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedListedListing(t, "l1")

	err := f.svc.DeactivateListing(ctx, "l1", buyerAddr)
	require.True(t, faults.IsRejected(err))

	require.NoError(t, f.svc.DeactivateListing(ctx, "l1", sellerAddr))
	l, err := f.svc.Listing(ctx, "l1")
	require.NoError(t, err)
	require.False(t, l.Active)

	// Idempotent.
	require.NoError(t, f.svc.DeactivateListing(ctx, "l1", sellerAddr))
}

func TestGetOperationUnknownHandle(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetOperation("nope")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestFinishedOperationsPruned(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.OperationRetention = time.Minute

	base := time.Unix(1_000_000, 0)
	now := base
	f.svc.SetNowFunc(func() time.Time { return now })

	done := f.svc.newOperation("mint")
	f.svc.finish(done, "0xabc", nil)
	pending := f.svc.newOperation("escrow_create")

	// Inside retention both records stay pollable.
	now = base.Add(30 * time.Second)
	f.svc.newOperation("mint")
	_, err := f.svc.GetOperation(done.Handle)
	require.NoError(t, err)

	// Past retention the finished record is dropped on the next insert,
	// while an operation that is still pending survives regardless of age.
	now = base.Add(2 * time.Minute)
	f.svc.newOperation("mint")
	_, err = f.svc.GetOperation(done.Handle)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	op, err := f.svc.GetOperation(pending.Handle)
	require.NoError(t, err)
	require.Equal(t, OpPending, op.State)
}
