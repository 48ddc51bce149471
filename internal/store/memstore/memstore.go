// Package memstore is an in-memory store.Storer for local development and tests.
// Transactions run against a copy of the data that replaces the live data only
// when the transaction function succeeds, so a failed transaction leaves
// nothing behind. Code running inside WithTx must only use the Tx it was
// handed; calling back into the Store from there deadlocks.
//
// Every transaction copies the whole dataset and all transactions serialize
// on one mutex, so cost grows with the number of stored records. The store
// is meant for tests and single-process dev mode; use the postgres store
// for anything long-running.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"x402-engine/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type data struct {
	campaigns    map[string]store.Campaign
	rules        map[string][]store.PaymentRule
	escrows      map[string]store.Escrow
	reservations map[uuid.UUID]store.Reservation
	payments     map[uuid.UUID]store.PaymentRecord
	paymentOrder []uuid.UUID
	paymentKeys  map[string]uuid.UUID
	batches      map[uuid.UUID]store.BatchSettlement
	reputations  map[string]store.Reputation
	repEvents    []store.ReputationEvent
	webhooks     map[uuid.UUID]store.Webhook
}

func newData() *data {
	return &data{
		campaigns:    make(map[string]store.Campaign),
		rules:        make(map[string][]store.PaymentRule),
		escrows:      make(map[string]store.Escrow),
		reservations: make(map[uuid.UUID]store.Reservation),
		payments:     make(map[uuid.UUID]store.PaymentRecord),
		paymentKeys:  make(map[string]uuid.UUID),
		batches:      make(map[uuid.UUID]store.BatchSettlement),
		reputations:  make(map[string]store.Reputation),
		webhooks:     make(map[uuid.UUID]store.Webhook),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range d.rules {
		c.rules[k] = append([]store.PaymentRule(nil), v...)
	}
	for k, v := range d.escrows {
		c.escrows[k] = v
	}
	for k, v := range d.reservations {
		c.reservations[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	c.paymentOrder = append([]uuid.UUID(nil), d.paymentOrder...)
	for k, v := range d.paymentKeys {
		c.paymentKeys[k] = v
	}
	for k, v := range d.batches {
		c.batches[k] = v
	}
	for k, v := range d.reputations {
		c.reputations[k] = v
	}
	c.repEvents = append([]store.ReputationEvent(nil), d.repEvents...)
	for k, v := range d.webhooks {
		c.webhooks[k] = v
	}
	return c
}

// Store implements store.Storer in memory.
type Store struct {
	mu   sync.RWMutex
	data *data
	now  func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: newData(), now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

var _ store.Storer = (*Store)(nil)

func paymentKey(campaignID, postID, trigger string) string {
	return campaignID + "\x00" + postID + "\x00" + trigger
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.data.clone()
	if err := fn(&memTx{d: working, now: s.now}); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (store.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data.campaigns[campaignID]
	if !ok {
		return store.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetPaymentRules(ctx context.Context, campaignID string) ([]store.PaymentRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.PaymentRule(nil), s.data.rules[campaignID]...), nil
}

func (s *Store) GetEscrow(ctx context.Context, campaignID string) (store.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data.escrows[campaignID]
	if !ok {
		return store.Escrow{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID uuid.UUID) (store.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.reservations[reservationID]
	if !ok {
		return store.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetPaymentRecord(ctx context.Context, paymentID uuid.UUID) (store.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.payments[paymentID]
	if !ok {
		return store.PaymentRecord{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) FindPaymentRecord(ctx context.Context, campaignID, postID, trigger string) (store.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.data.paymentKeys[paymentKey(campaignID, postID, trigger)]
	if !ok {
		return store.PaymentRecord{}, store.ErrNotFound
	}
	return s.data.payments[id], nil
}

func (s *Store) GetPaymentRecordBySubmission(ctx context.Context, submissionID string) (store.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.data.paymentOrder {
		p := s.data.payments[id]
		if p.SubmissionID == submissionID && !p.BatchID.Valid {
			return p, nil
		}
	}
	return store.PaymentRecord{}, store.ErrNotFound
}

func (s *Store) ListPaymentRecords(ctx context.Context, campaignID string, limit, offset int) ([]store.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PaymentRecord
	for i := len(s.data.paymentOrder) - 1; i >= 0; i-- {
		p := s.data.payments[s.data.paymentOrder[i]]
		if p.CampaignID == campaignID {
			out = append(out, p)
		}
	}
	return page(out, limit, offset), nil
}

func (s *Store) ListPaymentRecordsByState(ctx context.Context, state string, limit int) ([]store.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PaymentRecord
	for _, id := range s.data.paymentOrder {
		p := s.data.payments[id]
		if p.State == state && !p.BatchID.Valid {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (s *Store) ListPaymentRecordsByBatch(ctx context.Context, batchID uuid.UUID) ([]store.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.batchEntries(batchID), nil
}

func (s *Store) CountPaymentRecordsForWallet(ctx context.Context, wallet string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.data.payments {
		if p.KOLWallet == wallet && !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetBatchSettlement(ctx context.Context, batchID uuid.UUID) (store.BatchSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data.batches[batchID]
	if !ok {
		return store.BatchSettlement{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetBatchSettlementBySubmission(ctx context.Context, submissionID string) (store.BatchSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.data.batches {
		if b.SubmissionID == submissionID {
			return b, nil
		}
	}
	return store.BatchSettlement{}, store.ErrNotFound
}

func (s *Store) ListBatchSettlementsByState(ctx context.Context, state string, limit int) ([]store.BatchSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.BatchSettlement
	for _, b := range s.data.batches {
		if b.State == state {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (s *Store) GetReputation(ctx context.Context, wallet string) (store.Reputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.reputations[wallet]
	if !ok {
		return store.Reputation{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) CountReputationEvents(ctx context.Context, wallet string, outcomes []string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.data.repEvents {
		if e.Wallet != wallet || e.CreatedAt.Before(since) {
			continue
		}
		for _, o := range outcomes {
			if e.Outcome == o {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *Store) CreateWebhook(ctx context.Context, params store.CreateWebhookParams) (store.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w := store.Webhook{
		ID:        uuid.New(),
		Event:     params.Event,
		URL:       params.URL,
		Active:    params.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.webhooks[w.ID] = w
	return w, nil
}

func (s *Store) GetWebhook(ctx context.Context, webhookID uuid.UUID) (store.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.data.webhooks[webhookID]
	if !ok {
		return store.Webhook{}, store.ErrNotFound
	}
	return w, nil
}

func (s *Store) ListWebhooks(ctx context.Context) ([]store.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Webhook, 0, len(s.data.webhooks))
	for _, w := range s.data.webhooks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateWebhookActive(ctx context.Context, webhookID uuid.UUID, active bool) (store.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.data.webhooks[webhookID]
	if !ok {
		return store.Webhook{}, store.ErrNotFound
	}
	w.Active = active
	w.UpdatedAt = s.now()
	s.data.webhooks[webhookID] = w
	return w, nil
}

func (s *Store) DeleteWebhook(ctx context.Context, webhookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.webhooks[webhookID]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.webhooks, webhookID)
	return nil
}

func (d *data) batchEntries(batchID uuid.UUID) []store.PaymentRecord {
	var out []store.PaymentRecord
	for _, id := range d.paymentOrder {
		p := d.payments[id]
		if p.BatchID.Valid && p.BatchID.UUID == batchID {
			out = append(out, p)
		}
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// memTx implements store.Tx against a working copy of the data.
type memTx struct {
	d   *data
	now func() time.Time
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) CreateCampaign(ctx context.Context, params store.CreateCampaignParams) (store.Campaign, error) {
	if _, ok := t.d.campaigns[params.ID]; ok {
		return store.Campaign{}, store.ErrConflict
	}
	c := store.Campaign{
		ID:           params.ID,
		Budget:       params.Budget,
		Currency:     params.Currency,
		DurationDays: params.DurationDays,
		Status:       store.CampaignStatusActive,
		CreatedAt:    params.CreatedAt,
		EndsAt:       params.EndsAt,
		UpdatedAt:    params.CreatedAt,
	}
	t.d.campaigns[c.ID] = c
	return c, nil
}

func (t *memTx) GetCampaignForUpdate(ctx context.Context, campaignID string) (store.Campaign, error) {
	c, ok := t.d.campaigns[campaignID]
	if !ok {
		return store.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (t *memTx) UpdateCampaignStatus(ctx context.Context, campaignID, status string) (store.Campaign, error) {
	c, ok := t.d.campaigns[campaignID]
	if !ok {
		return store.Campaign{}, store.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = t.now()
	t.d.campaigns[campaignID] = c
	return c, nil
}

func (t *memTx) ArchiveCampaign(ctx context.Context, campaignID string) (store.Campaign, error) {
	c, ok := t.d.campaigns[campaignID]
	if !ok {
		return store.Campaign{}, store.ErrNotFound
	}
	now := t.now()
	c.ArchivedAt = &now
	c.UpdatedAt = now
	t.d.campaigns[campaignID] = c
	return c, nil
}

func (t *memTx) IncrementPostsPaid(ctx context.Context, campaignID string, n int) error {
	c, ok := t.d.campaigns[campaignID]
	if !ok {
		return store.ErrNotFound
	}
	c.PostsPaid += n
	c.UpdatedAt = t.now()
	t.d.campaigns[campaignID] = c
	return nil
}

func (t *memTx) CreatePaymentRules(ctx context.Context, campaignID string, rules []store.PaymentRule) error {
	out := make([]store.PaymentRule, len(rules))
	for i, r := range rules {
		r.CampaignID = campaignID
		r.Position = i
		out[i] = r
	}
	t.d.rules[campaignID] = out
	return nil
}

func (t *memTx) CreateEscrow(ctx context.Context, campaignID string, amount decimal.Decimal) (store.Escrow, error) {
	if _, ok := t.d.escrows[campaignID]; ok {
		return store.Escrow{}, store.ErrConflict
	}
	e := store.Escrow{
		CampaignID: campaignID,
		Budget:     amount,
		Locked:     amount,
		Spent:      decimal.Zero,
		Pending:    decimal.Zero,
		Remaining:  amount,
		UpdatedAt:  t.now(),
	}
	t.d.escrows[campaignID] = e
	return e, nil
}

func (t *memTx) GetEscrowForUpdate(ctx context.Context, campaignID string) (store.Escrow, error) {
	e, ok := t.d.escrows[campaignID]
	if !ok {
		return store.Escrow{}, store.ErrNotFound
	}
	return e, nil
}

func (t *memTx) UpdateEscrow(ctx context.Context, escrow store.Escrow) (store.Escrow, error) {
	if _, ok := t.d.escrows[escrow.CampaignID]; !ok {
		return store.Escrow{}, store.ErrNotFound
	}
	escrow.UpdatedAt = t.now()
	t.d.escrows[escrow.CampaignID] = escrow
	return escrow, nil
}

func (t *memTx) CreateReservation(ctx context.Context, params store.CreateReservationParams) (store.Reservation, error) {
	r := store.Reservation{
		ID:         uuid.New(),
		CampaignID: params.CampaignID,
		Amount:     params.Amount,
		Status:     store.ReservationStatusHeld,
		Reference:  params.Reference,
		CreatedAt:  t.now(),
	}
	t.d.reservations[r.ID] = r
	return r, nil
}

func (t *memTx) GetReservationForUpdate(ctx context.Context, reservationID uuid.UUID) (store.Reservation, error) {
	r, ok := t.d.reservations[reservationID]
	if !ok {
		return store.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

func (t *memTx) ResolveReservation(ctx context.Context, reservationID uuid.UUID, status string) (store.Reservation, error) {
	r, ok := t.d.reservations[reservationID]
	if !ok {
		return store.Reservation{}, store.ErrNotFound
	}
	now := t.now()
	r.Status = status
	r.ResolvedAt = &now
	t.d.reservations[reservationID] = r
	return r, nil
}

func (t *memTx) CreatePaymentRecord(ctx context.Context, params store.CreatePaymentRecordParams) (store.PaymentRecord, error) {
	key := paymentKey(params.CampaignID, params.PostID, params.Trigger)
	if _, ok := t.d.paymentKeys[key]; ok {
		return store.PaymentRecord{}, store.ErrConflict
	}
	now := t.now()
	p := store.PaymentRecord{
		ID:            uuid.New(),
		CampaignID:    params.CampaignID,
		PostID:        params.PostID,
		Trigger:       params.Trigger,
		KOLWallet:     params.KOLWallet,
		Amount:        params.Amount,
		Proof:         params.Proof,
		Status:        store.PaymentStatusPending,
		State:         params.State,
		ReservationID: params.ReservationID,
		BatchID:       params.BatchID,
		FraudFlags:    store.StringArray{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.d.payments[p.ID] = p
	t.d.paymentOrder = append(t.d.paymentOrder, p.ID)
	t.d.paymentKeys[key] = p.ID
	return p, nil
}

func (t *memTx) GetPaymentRecordForUpdate(ctx context.Context, paymentID uuid.UUID) (store.PaymentRecord, error) {
	p, ok := t.d.payments[paymentID]
	if !ok {
		return store.PaymentRecord{}, store.ErrNotFound
	}
	return p, nil
}

func (t *memTx) UpdatePaymentRecord(ctx context.Context, record store.PaymentRecord) (store.PaymentRecord, error) {
	p, ok := t.d.payments[record.ID]
	if !ok {
		return store.PaymentRecord{}, store.ErrNotFound
	}
	p.Status = record.Status
	p.State = record.State
	p.FailureReason = record.FailureReason
	p.SubmissionID = record.SubmissionID
	p.TxHash = record.TxHash
	p.FraudScore = record.FraudScore
	p.FraudRisk = record.FraudRisk
	p.FraudRecommendation = record.FraudRecommendation
	p.FraudFlags = append(store.StringArray{}, record.FraudFlags...)
	p.Attempts = record.Attempts
	p.BroadcastAt = record.BroadcastAt
	p.UpdatedAt = t.now()
	t.d.payments[p.ID] = p
	return p, nil
}

func (t *memTx) ListPaymentRecordsByBatchForUpdate(ctx context.Context, batchID uuid.UUID) ([]store.PaymentRecord, error) {
	return t.d.batchEntries(batchID), nil
}

func (t *memTx) CreateBatchSettlement(ctx context.Context, params store.CreateBatchSettlementParams) (store.BatchSettlement, error) {
	if _, ok := t.d.batches[params.ID]; ok {
		return store.BatchSettlement{}, store.ErrConflict
	}
	now := t.now()
	b := store.BatchSettlement{
		ID:          params.ID,
		CampaignID:  params.CampaignID,
		Entries:     append(store.BatchEntries(nil), params.Entries...),
		Count:       len(params.Entries),
		TotalAmount: params.TotalAmount,
		Status:      store.PaymentStatusPending,
		State:       store.BatchStateReserved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.d.batches[b.ID] = b
	return b, nil
}

func (t *memTx) GetBatchSettlementForUpdate(ctx context.Context, batchID uuid.UUID) (store.BatchSettlement, error) {
	b, ok := t.d.batches[batchID]
	if !ok {
		return store.BatchSettlement{}, store.ErrNotFound
	}
	return b, nil
}

func (t *memTx) UpdateBatchSettlement(ctx context.Context, batch store.BatchSettlement) (store.BatchSettlement, error) {
	b, ok := t.d.batches[batch.ID]
	if !ok {
		return store.BatchSettlement{}, store.ErrNotFound
	}
	b.Status = batch.Status
	b.State = batch.State
	b.FailureReason = batch.FailureReason
	b.SubmissionID = batch.SubmissionID
	b.TxHash = batch.TxHash
	b.ResolvedAt = batch.ResolvedAt
	b.UpdatedAt = t.now()
	t.d.batches[b.ID] = b
	return b, nil
}

func (t *memTx) GetReputationForUpdate(ctx context.Context, wallet string) (store.Reputation, error) {
	r, ok := t.d.reputations[wallet]
	if !ok {
		now := t.now()
		r = store.Reputation{
			Wallet:      wallet,
			Earnings:    decimal.Zero,
			Reliability: 1,
			Badges:      store.StringArray{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		t.d.reputations[wallet] = r
	}
	return r, nil
}

func (t *memTx) SaveReputation(ctx context.Context, reputation store.Reputation) (store.Reputation, error) {
	r, ok := t.d.reputations[reputation.Wallet]
	if !ok {
		return store.Reputation{}, store.ErrNotFound
	}
	reputation.CreatedAt = r.CreatedAt
	reputation.UpdatedAt = t.now()
	reputation.Badges = append(store.StringArray{}, reputation.Badges...)
	t.d.reputations[reputation.Wallet] = reputation
	return reputation, nil
}

func (t *memTx) CreateReputationEvent(ctx context.Context, params store.CreateReputationEventParams) (store.ReputationEvent, error) {
	e := store.ReputationEvent{
		ID:        uuid.New(),
		Wallet:    params.Wallet,
		Outcome:   params.Outcome,
		Amount:    params.Amount,
		CreatedAt: t.now(),
	}
	t.d.repEvents = append(t.d.repEvents, e)
	return e, nil
}
