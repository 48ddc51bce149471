package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/fraud"
	"x402-engine/internal/ledger"
	"x402-engine/internal/observability"
	"x402-engine/internal/rules"
	"x402-engine/internal/store"
	"x402-engine/internal/store/memstore"
	"x402-engine/internal/transfer"
	"x402-engine/internal/x402err"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	walletA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	walletB = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	walletC = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubScorer returns a fixed recommendation per wallet and records outcomes.
type stubScorer struct {
	mu        sync.Mutex
	recommend map[string]fraud.Recommendation
	failNext  error
	outcomes  map[string][]string
	observed  int
}

func newStubScorer() *stubScorer {
	return &stubScorer{recommend: map[string]fraud.Recommendation{}, outcomes: map[string][]string{}}
}

func (s *stubScorer) Score(_ context.Context, wallet string) (fraud.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return fraud.Result{}, err
	}
	res := fraud.Result{Wallet: wallet, Risk: fraud.RiskLow, Recommendation: fraud.RecommendApprove, Flags: []string{}}
	switch s.recommend[wallet] {
	case fraud.RecommendReview:
		res.Score, res.Risk, res.Recommendation = 0.7, fraud.RiskHigh, fraud.RecommendReview
	case fraud.RecommendBlock:
		res.Score, res.Risk, res.Recommendation = 0.9, fraud.RiskCritical, fraud.RecommendBlock
		res.Flags = []string{fraud.FlagHighDisputeRate}
	}
	return res, nil
}

func (s *stubScorer) Observe(context.Context, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed++
}

func (s *stubScorer) Record(_ context.Context, wallet, outcome string, _ decimal.Decimal) (store.Reputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[wallet] = append(s.outcomes[wallet], outcome)
	return store.Reputation{Wallet: wallet}, nil
}

func (s *stubScorer) outcomesFor(wallet string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.outcomes[wallet]...)
}

type recordingScheduler struct {
	mu       sync.Mutex
	payments []uuid.UUID
	batches  []uuid.UUID
}

func (r *recordingScheduler) SchedulePaymentPoll(_ context.Context, id uuid.UUID, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, id)
	return nil
}

func (r *recordingScheduler) ScheduleBatchPoll(_ context.Context, id uuid.UUID, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, id)
	return nil
}

type harness struct {
	coord     *Coordinator
	store     *memstore.Store
	ledger    *ledger.Ledger
	sim       *transfer.Simulator
	scorer    *stubScorer
	events    *events.Recorder
	scheduler *recordingScheduler
}

func newHarness(t *testing.T, budget string) *harness {
	t.Helper()
	return newHarnessWithClient(t, budget, nil)
}

func newHarnessWithClient(t *testing.T, budget string, client transfer.Client) *harness {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	now := time.Now().UTC()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateCampaign(ctx, store.CreateCampaignParams{
			ID: "c1", Budget: d(budget), Currency: "USDC", DurationDays: 30,
			CreatedAt: now, EndsAt: now.AddDate(0, 0, 30),
		}); err != nil {
			return err
		}
		return tx.CreatePaymentRules(ctx, "c1", rules.ToStore([]rules.Rule{
			{Trigger: rules.TriggerPostVerified, PayAmount: d("50")},
		}))
	}))

	logger := observability.NewNopLogger()
	l := ledger.New(s, logger)
	_, err := l.Lock(ctx, "c1", d(budget))
	require.NoError(t, err)

	h := &harness{
		store:     s,
		ledger:    l,
		sim:       transfer.NewSimulator(),
		scorer:    newStubScorer(),
		events:    events.NewRecorder(),
		scheduler: &recordingScheduler{},
	}
	if client == nil {
		client = h.sim
	}
	h.coord = New(s, l, h.scorer, client, h.events, h.scheduler, Config{
		BroadcastRetries:     3,
		RetryInitialInterval: time.Millisecond,
		LateAfter:            time.Hour,
	}, logger)
	return h
}

func (h *harness) assertBalances(t *testing.T, spent, pending, remaining string) {
	t.Helper()
	b, err := h.ledger.Balances(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, b.Spent.Equal(d(spent)), "spent %s, want %s", b.Spent, spent)
	assert.True(t, b.Pending.Equal(d(pending)), "pending %s, want %s", b.Pending, pending)
	assert.True(t, b.Remaining.Equal(d(remaining)), "remaining %s, want %s", b.Remaining, remaining)
	assert.NoError(t, ledger.CheckInvariant(b))
}

func (h *harness) trigger(postID, wallet string) (TriggerResult, error) {
	return h.coord.HandleTrigger(context.Background(), TriggerEvent{
		CampaignID: "c1",
		PostID:     postID,
		KOLWallet:  wallet,
		Trigger:    rules.TriggerPostVerified,
	})
}

func (h *harness) release(postID, wallet, amount string) (PaymentResponse, error) {
	return h.coord.ReleasePayment(context.Background(), PaymentConfig{
		CampaignID: "c1",
		KOLWallet:  wallet,
		Amount:     d(amount),
		PostID:     postID,
	})
}

func TestHandleTrigger_ConfirmsAndCommits(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.trigger("post-1", walletA)
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.NotNil(t, res.Payment)
	assert.Equal(t, store.PaymentStatusConfirmed, res.Payment.Status)
	assert.Equal(t, store.PaymentStateConfirmed, res.Payment.State)
	assert.NotEmpty(t, res.Payment.TxHash)
	assert.True(t, res.Payment.Amount.Equal(d("50")))

	h.assertBalances(t, "50", "0", "950")

	campaign, err := h.store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.PostsPaid)

	released := h.events.OfType(events.PaymentReleased)
	require.Len(t, released, 1)
	assert.Equal(t, "post-1", released[0].Data["postId"])
	assert.Equal(t, []string{store.OutcomeOnTime}, h.scorer.outcomesFor(walletA))
}

func TestHandleTrigger_InsufficientFundsReservesNothing(t *testing.T) {
	h := newHarness(t, "1000")

	_, err := h.release("big", walletA, "970")
	require.NoError(t, err)
	h.assertBalances(t, "970", "0", "30")

	res, err := h.trigger("post-1", walletA)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, rules.ReasonInsufficientFunds, res.Reason)

	_, err = h.store.FindPaymentRecord(context.Background(), "c1", "post-1", string(rules.TriggerPostVerified))
	assert.ErrorIs(t, err, store.ErrNotFound)
	h.assertBalances(t, "970", "0", "30")
}

func TestHandleTrigger_NoMatchingRule(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.coord.HandleTrigger(context.Background(), TriggerEvent{
		CampaignID: "c1", PostID: "post-1", KOLWallet: walletA, Trigger: rules.TriggerViralBonus,
	})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, rules.ReasonNoRule, res.Reason)
	assert.Equal(t, 0, h.sim.Submissions())
}

func TestHandleTrigger_RejectsBadWallet(t *testing.T) {
	h := newHarness(t, "1000")

	_, err := h.trigger("post-1", "not-a-wallet")
	assert.True(t, x402err.HasCode(err, x402err.CodeValidation))
}

func TestHandleTrigger_DuplicateIsRejected(t *testing.T) {
	h := newHarness(t, "1000")

	_, err := h.trigger("post-1", walletA)
	require.NoError(t, err)

	_, err = h.trigger("post-1", walletA)
	assert.ErrorIs(t, err, x402err.ErrDuplicatePayment)
	assert.Equal(t, 1, h.sim.Submissions())
	h.assertBalances(t, "50", "0", "950")
}

func TestHandleTrigger_ConcurrentDuplicatesPayOnce(t *testing.T) {
	h := newHarness(t, "1000")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.trigger("post-1", walletA)
			if err != nil {
				assert.ErrorIs(t, err, x402err.ErrDuplicatePayment)
				return
			}
			if res.Matched {
				mu.Lock()
				confirmed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 1, h.sim.Submissions())
	h.assertBalances(t, "50", "0", "950")
}

func TestHandleTrigger_ConcurrentPostsNeverOverspend(t *testing.T) {
	h := newHarness(t, "1000")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.trigger(uuid.NewString(), walletA)
			if err != nil {
				assert.True(t, x402err.IsKind(err, x402err.KindInsufficientEscrow), "unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, h.sim.Submissions())
	h.assertBalances(t, "1000", "0", "0")
}

func TestReleasePayment_FraudBlocked(t *testing.T) {
	h := newHarness(t, "1000")
	h.scorer.recommend[walletA] = fraud.RecommendBlock

	resp, err := h.release("post-1", walletA, "50")
	require.Error(t, err)
	assert.ErrorIs(t, err, x402err.ErrFraudBlocked)
	assert.Equal(t, store.PaymentStateFailed, resp.State)
	assert.Equal(t, store.FailureReasonFraudBlocked, resp.FailureReason)

	detected := h.events.OfType(events.FraudDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, fraud.RecommendBlock, detected[0].Data["recommendation"])

	h.assertBalances(t, "0", "0", "1000")
	assert.Equal(t, 0, h.sim.Submissions())
	assert.Empty(t, h.scorer.outcomesFor(walletA))
}

func TestReview_ApproveBroadcasts(t *testing.T) {
	h := newHarness(t, "1000")
	h.scorer.recommend[walletA] = fraud.RecommendReview
	ctx := context.Background()

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateReview, resp.State)
	assert.Equal(t, store.PaymentStatusPending, resp.Status)
	assert.Len(t, h.events.OfType(events.FraudDetected), 1)
	h.assertBalances(t, "0", "50", "950")

	id := uuid.MustParse(resp.PaymentID)
	resp, err = h.coord.ApproveReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateConfirmed, resp.State)
	h.assertBalances(t, "50", "0", "950")

	_, err = h.coord.ApproveReview(ctx, id)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
}

func TestReview_RejectReleases(t *testing.T) {
	h := newHarness(t, "1000")
	h.scorer.recommend[walletA] = fraud.RecommendReview
	ctx := context.Background()

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)

	resp, err = h.coord.RejectReview(ctx, uuid.MustParse(resp.PaymentID))
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateFailed, resp.State)
	assert.Equal(t, store.FailureReasonReviewRejected, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
	assert.Equal(t, 0, h.sim.Submissions())
}

func TestCancelPayment(t *testing.T) {
	h := newHarness(t, "1000")
	h.scorer.recommend[walletA] = fraud.RecommendReview
	ctx := context.Background()

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	id := uuid.MustParse(resp.PaymentID)

	resp, err = h.coord.CancelPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.FailureReasonCancelled, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")

	// cancelling twice is a no-op
	_, err = h.coord.CancelPayment(ctx, id)
	assert.NoError(t, err)

	confirmed, err := h.release("post-2", walletB, "50")
	require.NoError(t, err)
	_, err = h.coord.CancelPayment(ctx, uuid.MustParse(confirmed.PaymentID))
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
}

func TestCancelPayment_UnknownPayment(t *testing.T) {
	h := newHarness(t, "1000")
	_, err := h.coord.CancelPayment(context.Background(), uuid.New())
	assert.True(t, x402err.HasCode(err, x402err.CodeNotFound))
}

func TestReleasePayment_TransferRejected(t *testing.T) {
	h := newHarness(t, "1000")
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{Reject: true} })

	resp, err := h.release("post-1", walletA, "50")
	require.Error(t, err)
	assert.True(t, x402err.HasCode(err, x402err.CodeTransferRejected))
	assert.Equal(t, store.FailureReasonTransferRejected, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
}

func TestReleasePayment_TransferFailedOnConfirmation(t *testing.T) {
	h := newHarness(t, "1000")
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{Final: transfer.StatusFailed} })

	resp, err := h.release("post-1", walletA, "50")
	require.Error(t, err)
	assert.True(t, x402err.IsKind(err, x402err.KindPayment))
	assert.Equal(t, store.FailureReasonTransferFailed, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
	assert.Equal(t, []string{store.OutcomeFailed}, h.scorer.outcomesFor(walletA))
}

func TestReleasePayment_RetriesTransientSubmit(t *testing.T) {
	h := newHarness(t, "1000")
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{TransientFailures: 2} })

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateConfirmed, resp.State)
	assert.Equal(t, 1, h.sim.Submissions())
}

func TestReleasePayment_ResubmitsWithSameKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := transfer.NewMockClient(ctrl)
	h := newHarnessWithClient(t, "1000", client)

	var keys []string
	gomock.InOrder(
		client.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Len(1)).
			DoAndReturn(func(_ context.Context, key string, _ []transfer.Entry) (string, error) {
				keys = append(keys, key)
				return "", transfer.ErrTransient
			}),
		client.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Len(1)).
			DoAndReturn(func(_ context.Context, key string, _ []transfer.Entry) (string, error) {
				keys = append(keys, key)
				return "sub-1", nil
			}),
		client.EXPECT().Status(gomock.Any(), "sub-1").
			Return(transfer.Result{SubmissionID: "sub-1", Status: transfer.StatusConfirmed, TxHash: "0xfeed", EntryCount: 1}, nil),
	)

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", resp.TxHash)
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])

	record, err := h.store.GetPaymentRecord(context.Background(), uuid.MustParse(resp.PaymentID))
	require.NoError(t, err)
	assert.Equal(t, record.ReservationID.String(), keys[0])
}

func TestReleasePayment_SubmitOutageLeavesBroadcast(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	// 1 attempt plus 3 retries fail, the poll's attempt succeeds
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{TransientFailures: 4} })

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateBroadcast, resp.State)
	assert.Equal(t, store.PaymentStatusPending, resp.Status)
	h.assertBalances(t, "0", "50", "950")

	id := uuid.MustParse(resp.PaymentID)
	assert.Equal(t, []uuid.UUID{id}, h.scheduler.payments)

	require.NoError(t, h.coord.PollPayment(ctx, id))
	resp, err = h.coord.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateConfirmed, resp.State)
	h.assertBalances(t, "50", "0", "950")
}

func TestPendingSubmission_ResolvedByConfirmation(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 100} })

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateBroadcast, resp.State)
	require.Len(t, h.scheduler.payments, 1)

	record, err := h.store.GetPaymentRecord(ctx, uuid.MustParse(resp.PaymentID))
	require.NoError(t, err)
	require.NotEmpty(t, record.SubmissionID)

	h.sim.Resolve(record.SubmissionID, transfer.StatusConfirmed)
	settled, err := h.sim.Status(ctx, record.SubmissionID)
	require.NoError(t, err)

	conf := Confirmation{SubmissionID: record.SubmissionID, Status: "confirmed", TxHash: "0xabc"}
	require.NoError(t, h.coord.HandleConfirmation(ctx, conf))
	require.NoError(t, h.coord.HandleConfirmation(ctx, conf))

	resp, err = h.coord.GetPayment(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateConfirmed, resp.State)
	assert.Equal(t, settled.TxHash, resp.TxHash, "tx hash comes from the transfer service, not the message")
	h.assertBalances(t, "50", "0", "950")
	assert.Len(t, h.events.OfType(events.PaymentReleased), 1)

	// a later failure report cannot undo a confirmed payment
	require.NoError(t, h.coord.HandleConfirmation(ctx, Confirmation{SubmissionID: record.SubmissionID, Status: "failed"}))
	h.assertBalances(t, "50", "0", "950")
}

func TestHandleConfirmation_UnverifiedStatusIsIgnored(t *testing.T) {
	for _, status := range []string{"confirmed", "failed"} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t, "1000")
			ctx := context.Background()
			h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 100} })

			resp, err := h.release("post-1", walletA, "50")
			require.NoError(t, err)
			require.Equal(t, store.PaymentStateBroadcast, resp.State)
			record, err := h.store.GetPaymentRecord(ctx, uuid.MustParse(resp.PaymentID))
			require.NoError(t, err)

			require.NoError(t, h.coord.HandleConfirmation(ctx, Confirmation{
				SubmissionID: record.SubmissionID, Status: status, TxHash: "0xforged",
			}))

			resp, err = h.coord.GetPayment(ctx, record.ID)
			require.NoError(t, err)
			assert.Equal(t, store.PaymentStateBroadcast, resp.State)
			assert.Empty(t, resp.TxHash)
			h.assertBalances(t, "0", "50", "950")
			assert.Empty(t, h.events.OfType(events.PaymentReleased))
			assert.Empty(t, h.scorer.outcomesFor(walletA))
		})
	}
}

func TestHandleConfirmation_ContradictedStatusFollowsTransferService(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 100} })

	resp, err := h.release("post-1", walletA, "50")
	require.NoError(t, err)
	record, err := h.store.GetPaymentRecord(ctx, uuid.MustParse(resp.PaymentID))
	require.NoError(t, err)

	h.sim.Resolve(record.SubmissionID, transfer.StatusFailed)
	require.NoError(t, h.coord.HandleConfirmation(ctx, Confirmation{SubmissionID: record.SubmissionID, Status: "confirmed"}))

	resp, err = h.coord.GetPayment(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateFailed, resp.State)
	assert.Equal(t, store.FailureReasonTransferFailed, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
}

func TestHandleConfirmation_Validation(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()

	err := h.coord.HandleConfirmation(ctx, Confirmation{SubmissionID: "x", Status: "lost"})
	assert.True(t, x402err.HasCode(err, x402err.CodeValidation))

	err = h.coord.HandleConfirmation(ctx, Confirmation{SubmissionID: "unknown", Status: "confirmed"})
	assert.True(t, x402err.HasCode(err, x402err.CodeNotFound))
}

func batchConfig(amounts ...string) BatchSettleConfig {
	wallets := []string{walletA, walletB, walletC}
	cfg := BatchSettleConfig{CampaignID: "c1"}
	for i, a := range amounts {
		cfg.Payments = append(cfg.Payments, BatchPayment{Wallet: wallets[i%len(wallets)], Amount: d(a)})
	}
	return cfg
}

func TestSettleBatch_Confirmed(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40", "40"))
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusConfirmed, resp.Status)
	assert.Equal(t, 3, resp.Count)
	assert.True(t, resp.TotalAmount.Equal(d("120")))
	assert.NotEmpty(t, resp.TxHash)
	h.assertBalances(t, "120", "0", "880")

	entries, err := h.store.ListPaymentRecordsByBatch(ctx, uuid.MustParse(resp.BatchID))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, store.PaymentStateConfirmed, e.State)
		assert.Equal(t, resp.TxHash, e.TxHash)
	}

	settled := h.events.OfType(events.BatchSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, 3, settled[0].Data["count"])
	assert.Equal(t, 1, h.sim.Submissions())
}

func TestSettleBatch_FailedReleasesEveryEntry(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{Final: transfer.StatusFailed} })

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40", "40"))
	require.Error(t, err)
	assert.True(t, x402err.IsKind(err, x402err.KindPayment))
	assert.Equal(t, store.PaymentStatusFailed, resp.Status)
	h.assertBalances(t, "0", "0", "1000")

	entries, err := h.store.ListPaymentRecordsByBatch(ctx, uuid.MustParse(resp.BatchID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, store.PaymentStateFailed, e.State)
		assert.Equal(t, store.FailureReasonBatchFailed, e.FailureReason)
	}
	assert.Empty(t, h.events.OfType(events.BatchSettled))
}

func TestSettleBatch_EntryMismatchFailsBatch(t *testing.T) {
	h := newHarness(t, "1000")
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{EntryCount: 2} })

	resp, err := h.coord.SettleBatch(context.Background(), batchConfig("40", "40", "40"))
	require.Error(t, err)
	assert.True(t, x402err.HasCode(err, x402err.CodeBatchMismatch))
	assert.Equal(t, store.FailureReasonEntryMismatch, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
	assert.Empty(t, h.scorer.outcomesFor(walletA))
}

func TestSettleBatch_InsufficientEscrowReservesNothing(t *testing.T) {
	h := newHarness(t, "100")

	_, err := h.coord.SettleBatch(context.Background(), batchConfig("40", "40", "40"))
	require.Error(t, err)
	assert.True(t, x402err.IsKind(err, x402err.KindInsufficientEscrow))
	h.assertBalances(t, "0", "0", "100")
	assert.Equal(t, 0, h.sim.Submissions())
}

func TestSettleBatch_ValidatesEntries(t *testing.T) {
	h := newHarness(t, "1000")
	cfg := batchConfig("40", "0")

	_, err := h.coord.SettleBatch(context.Background(), cfg)
	xe, ok := x402err.As(err)
	require.True(t, ok)
	assert.Equal(t, x402err.CodeValidation, xe.Code)
	assert.Equal(t, "payments[1].amount", xe.Details["field"])
}

func TestSettleBatch_FraudBlockAbortsWholeBatch(t *testing.T) {
	h := newHarness(t, "1000")
	h.scorer.recommend[walletB] = fraud.RecommendBlock

	resp, err := h.coord.SettleBatch(context.Background(), batchConfig("40", "40", "40"))
	assert.ErrorIs(t, err, x402err.ErrFraudBlocked)
	assert.Equal(t, store.FailureReasonFraudBlocked, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
	assert.Len(t, h.events.OfType(events.FraudDetected), 1)
	assert.Equal(t, 0, h.sim.Submissions())
}

func TestSettleBatch_ReviewHoldsEveryReservation(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.scorer.recommend[walletB] = fraud.RecommendReview

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40", "40"))
	require.NoError(t, err)
	assert.Equal(t, store.BatchStateReview, resp.State)
	assert.Equal(t, store.PaymentStatusPending, resp.Status)
	h.assertBalances(t, "0", "120", "880")
	assert.Equal(t, 0, h.sim.Submissions())
	assert.Len(t, h.events.OfType(events.FraudDetected), 1)

	batchID := uuid.MustParse(resp.BatchID)
	entries, err := h.store.ListPaymentRecordsByBatch(ctx, batchID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, store.PaymentStateReview, e.State)
	}

	// entries only move with their batch
	_, err = h.coord.CancelPayment(ctx, entries[0].ID)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
	_, err = h.coord.ApproveReview(ctx, entries[1].ID)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
	_, err = h.coord.RejectReview(ctx, entries[1].ID)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
	h.assertBalances(t, "0", "120", "880")

	// a stale review batch is not abandoned by reconciliation
	later := time.Now().UTC().Add(time.Hour)
	h.coord.SetClock(func() time.Time { return later })
	report, err := h.coord.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchesAbandoned)

	resp, err = h.coord.ApproveBatchReview(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusConfirmed, resp.Status)
	assert.NotEmpty(t, resp.TxHash)
	h.assertBalances(t, "120", "0", "880")
	assert.Equal(t, 1, h.sim.Submissions())
	assert.Len(t, h.events.OfType(events.BatchSettled), 1)

	_, err = h.coord.ApproveBatchReview(ctx, batchID)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
}

func TestSettleBatch_ReviewRejectReleasesEveryEntry(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.scorer.recommend[walletA] = fraud.RecommendReview

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40"))
	require.NoError(t, err)
	require.Equal(t, store.BatchStateReview, resp.State)
	batchID := uuid.MustParse(resp.BatchID)

	resp, err = h.coord.RejectBatchReview(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusFailed, resp.Status)
	assert.Equal(t, store.FailureReasonReviewRejected, resp.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
	assert.Equal(t, 0, h.sim.Submissions())

	entries, err := h.store.ListPaymentRecordsByBatch(ctx, batchID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, store.PaymentStateFailed, e.State)
		assert.Equal(t, store.FailureReasonReviewRejected, e.FailureReason)
	}

	_, err = h.coord.ApproveBatchReview(ctx, batchID)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
	_, err = h.coord.RejectBatchReview(ctx, batchID)
	assert.True(t, x402err.HasCode(err, x402err.CodeInvalidTransition))
	h.assertBalances(t, "0", "0", "1000")
}

func TestApproveBatchReview_PendingTransferSchedulesPoll(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.scorer.recommend[walletC] = fraud.RecommendReview
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 1} })

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40", "40"))
	require.NoError(t, err)
	assert.Empty(t, h.scheduler.batches)

	resp, err = h.coord.ApproveBatchReview(ctx, uuid.MustParse(resp.BatchID))
	require.NoError(t, err)
	assert.Equal(t, store.BatchStateBroadcast, resp.State)
	assert.Len(t, h.scheduler.batches, 1)
	h.assertBalances(t, "0", "120", "880")
}

func TestApproveBatchReview_UnknownBatch(t *testing.T) {
	h := newHarness(t, "1000")
	_, err := h.coord.ApproveBatchReview(context.Background(), uuid.New())
	assert.True(t, x402err.HasCode(err, x402err.CodeNotFound))
}

func TestSettleBatch_CountlessConfirmationQueriesStatus(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 1} })

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40", "40"))
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusPending, resp.Status)
	require.Len(t, h.scheduler.batches, 1)

	batch, err := h.store.GetBatchSettlement(ctx, uuid.MustParse(resp.BatchID))
	require.NoError(t, err)

	require.NoError(t, h.coord.HandleConfirmation(ctx, Confirmation{SubmissionID: batch.SubmissionID, Status: "confirmed"}))

	resp, err = h.coord.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusConfirmed, resp.Status)
	h.assertBalances(t, "120", "0", "880")
}

func TestHandleConfirmation_UnverifiedBatchStatusIsIgnored(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 100} })

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40", "40"))
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusPending, resp.Status)
	batch, err := h.store.GetBatchSettlement(ctx, uuid.MustParse(resp.BatchID))
	require.NoError(t, err)

	require.NoError(t, h.coord.HandleConfirmation(ctx, Confirmation{
		SubmissionID: batch.SubmissionID, Status: "confirmed", TxHash: "0xforged", Count: 3,
	}))
	require.NoError(t, h.coord.HandleConfirmation(ctx, Confirmation{SubmissionID: batch.SubmissionID, Status: "failed"}))

	resp, err = h.coord.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusPending, resp.Status)
	assert.Empty(t, resp.TxHash)
	h.assertBalances(t, "0", "120", "880")
	assert.Empty(t, h.events.OfType(events.BatchSettled))
}

func TestPollBatch_ResolvesPendingBatch(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan {
		return transfer.Plan{PendingPolls: 1, Final: transfer.StatusFailed}
	})

	resp, err := h.coord.SettleBatch(ctx, batchConfig("40", "40"))
	require.NoError(t, err)
	h.assertBalances(t, "0", "80", "920")

	require.NoError(t, h.coord.PollBatch(ctx, uuid.MustParse(resp.BatchID)))
	resp, err = h.coord.GetBatch(ctx, uuid.MustParse(resp.BatchID))
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusFailed, resp.Status)
	h.assertBalances(t, "0", "0", "1000")
}

func TestReconcile_ResumesStaleAndBroadcastPayments(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()

	h.scorer.failNext = errors.New("scoring unavailable")
	stuck, err := h.release("post-1", walletA, "50")
	require.Error(t, err)
	assert.Equal(t, store.PaymentStateReserved, stuck.State)

	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{PendingPolls: 1} })
	pending, err := h.release("post-2", walletB, "50")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStateBroadcast, pending.State)
	h.assertBalances(t, "0", "100", "900")
	h.sim.Script(func(string, []transfer.Entry) transfer.Plan { return transfer.Plan{} })

	later := time.Now().UTC().Add(time.Hour)
	h.coord.SetClock(func() time.Time { return later })

	report, err := h.coord.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PaymentsChecked)
	assert.Equal(t, 1, report.PaymentsResumed)

	for _, id := range []string{stuck.PaymentID, pending.PaymentID} {
		resp, err := h.coord.GetPayment(ctx, uuid.MustParse(id))
		require.NoError(t, err)
		assert.Equal(t, store.PaymentStateConfirmed, resp.State, "payment %s", id)
	}
	h.assertBalances(t, "100", "0", "900")
}

func TestReconcile_AbandonsStaleReservedBatch(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()

	batchID := uuid.New()
	require.NoError(t, h.ledger.WithCampaign(ctx, "c1", func(tx store.Tx) error {
		res, err := ledger.ReserveBatchTx(ctx, tx, "c1", []decimal.Decimal{d("10"), d("20")}, batchID.String())
		if err != nil {
			return err
		}
		if _, err := tx.CreateBatchSettlement(ctx, store.CreateBatchSettlementParams{
			ID: batchID, CampaignID: "c1", TotalAmount: d("30"),
			Entries: store.BatchEntries{{Wallet: walletA, Amount: d("10")}, {Wallet: walletB, Amount: d("20")}},
		}); err != nil {
			return err
		}
		for i, r := range res {
			if _, err := tx.CreatePaymentRecord(ctx, store.CreatePaymentRecordParams{
				CampaignID: "c1", PostID: fmt.Sprintf("%s#%d", batchID, i), Trigger: store.TriggerBatch,
				KOLWallet: walletA, Amount: r.Amount, State: store.PaymentStateReserved,
				ReservationID: r.ID, BatchID: uuid.NullUUID{UUID: batchID, Valid: true},
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	h.assertBalances(t, "0", "30", "970")

	report, err := h.coord.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchesAbandoned)

	later := time.Now().UTC().Add(time.Hour)
	h.coord.SetClock(func() time.Time { return later })
	report, err = h.coord.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatchesAbandoned)

	batch, err := h.store.GetBatchSettlement(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, store.FailureReasonAbandoned, batch.FailureReason)
	h.assertBalances(t, "0", "0", "1000")
}
