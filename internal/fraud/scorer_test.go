package fraud

import (
	"context"
	"sync"
	"testing"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
	"x402-engine/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fixedVelocity struct {
	mu    sync.Mutex
	count int
	added []string
}

func (f *fixedVelocity) Add(_ context.Context, _ string, paymentID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, paymentID)
	return nil
}

func (f *fixedVelocity) Count(context.Context, string, time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func newScorer(t *testing.T) (*Scorer, *fixedVelocity, *events.Recorder) {
	t.Helper()
	v := &fixedVelocity{}
	rec := events.NewRecorder()
	s := New(memstore.New(), v, rec, Config{
		VelocityWindow: time.Hour,
		VelocityLimit:  10,
		DisputeWindow:  30 * 24 * time.Hour,
	}, observability.NewNopLogger())
	return s, v, rec
}

func TestScore_NewWallet(t *testing.T) {
	s, _, _ := newScorer(t)

	res, err := s.Score(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, testWallet, res.Wallet)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, RiskLow, res.Risk)
	assert.Equal(t, RecommendApprove, res.Recommendation)
	assert.Equal(t, []string{FlagNewWallet}, res.Flags)
}

func TestScore_CriticalWalletIsBlocked(t *testing.T) {
	s, v, _ := newScorer(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, testWallet, store.OutcomeFailed, decimal.NewFromInt(10))
		require.NoError(t, err)
		_, err = s.Dispute(ctx, testWallet)
		require.NoError(t, err)
	}
	v.count = 10

	res, err := s.Score(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, RiskCritical, res.Risk)
	assert.Equal(t, RecommendBlock, res.Recommendation)
	assert.ElementsMatch(t, []string{FlagLowReliability, FlagDisputeHistory, FlagHighDisputeRate, FlagVelocityExceeded}, res.Flags)
}

func TestScore_HighRiskNeedsReview(t *testing.T) {
	s, _, _ := newScorer(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Record(ctx, testWallet, store.OutcomeFailed, decimal.Zero)
		require.NoError(t, err)
		_, err = s.Dispute(ctx, testWallet)
		require.NoError(t, err)
	}

	res, err := s.Score(ctx, testWallet)
	require.NoError(t, err)
	// 0.40 from reliability 0 plus 0.35 from a dispute rate of 1
	assert.Equal(t, 0.75, res.Score)
	assert.Equal(t, RiskHigh, res.Risk)
	assert.Equal(t, RecommendReview, res.Recommendation)
}

func TestRecord_UpdatesCountersAndBadges(t *testing.T) {
	s, _, rec := newScorer(t)
	ctx := context.Background()

	rep, err := s.Record(ctx, testWallet, store.OutcomeOnTime, decimal.RequireFromString("9990"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalPayments)
	assert.Equal(t, 1, rep.OnTimePayments)
	assert.Equal(t, 1.0, rep.Reliability)
	assert.Equal(t, store.StringArray{BadgeFirstPayment}, rep.Badges)

	rep, err = s.Record(ctx, testWallet, store.OutcomeLate, decimal.RequireFromString("10"))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.TotalPayments)
	assert.Equal(t, 1, rep.OnTimePayments)
	assert.Equal(t, 0.5, rep.Reliability)
	assert.True(t, rep.Earnings.Equal(decimal.NewFromInt(10000)))
	assert.Contains(t, rep.Badges, BadgeTopEarner)
	// 0.40 * (1 - 0.5)
	assert.Equal(t, 0.2, rep.FraudScore)

	assert.Len(t, rec.OfType(events.KOLReputationUpdated), 2)
}

func TestRecord_RejectsUnknownOutcome(t *testing.T) {
	s, _, rec := newScorer(t)
	_, err := s.Record(context.Background(), testWallet, "lost", decimal.Zero)
	assert.Error(t, err)
	assert.Empty(t, rec.Events())
}

func TestRecord_ConcurrentUpdatesAreNotLost(t *testing.T) {
	s, _, _ := newScorer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Record(ctx, testWallet, store.OutcomeOnTime, decimal.NewFromInt(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rep, err := s.Reputation(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 20, rep.TotalPayments)
	assert.Equal(t, 20, rep.OnTimePayments)
	assert.True(t, rep.Earnings.Equal(decimal.NewFromInt(20)))
	assert.ElementsMatch(t, store.StringArray{BadgeFirstPayment, BadgeReliable}, rep.Badges)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		score float64
		risk  Risk
		rec   Recommendation
	}{
		{0, RiskLow, RecommendApprove},
		{0.2999, RiskLow, RecommendApprove},
		{0.3, RiskMedium, RecommendApprove},
		{0.5999, RiskMedium, RecommendApprove},
		{0.6, RiskHigh, RecommendReview},
		{0.8499, RiskHigh, RecommendReview},
		{0.85, RiskCritical, RecommendBlock},
		{1, RiskCritical, RecommendBlock},
	}
	for _, tt := range tests {
		risk := Classify(tt.score)
		assert.Equal(t, tt.risk, risk, "score %v", tt.score)
		assert.Equal(t, tt.rec, Recommend(risk), "score %v", tt.score)
	}
}

func TestObserve(t *testing.T) {
	s, v, _ := newScorer(t)
	s.Observe(context.Background(), testWallet, "p1")
	assert.Equal(t, []string{"p1"}, v.added)
}

func TestStoreVelocity_CountsPaymentRecords(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, ms.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateCampaign(ctx, store.CreateCampaignParams{
			ID: "c1", Budget: decimal.NewFromInt(100), Currency: "USDC", DurationDays: 1, CreatedAt: now, EndsAt: now.Add(24 * time.Hour),
		}); err != nil {
			return err
		}
		res, err := tx.CreateReservation(ctx, store.CreateReservationParams{CampaignID: "c1", Amount: decimal.NewFromInt(1)})
		if err != nil {
			return err
		}
		for _, post := range []string{"a", "b"} {
			if _, err := tx.CreatePaymentRecord(ctx, store.CreatePaymentRecordParams{
				CampaignID: "c1", PostID: post, Trigger: "post_verified", KOLWallet: testWallet,
				Amount: decimal.NewFromInt(1), State: store.PaymentStateReserved, ReservationID: res.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := NewStoreVelocity(ms).Count(ctx, testWallet, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
