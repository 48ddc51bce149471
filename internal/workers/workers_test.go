package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"x402-engine/internal/observability"
	"x402-engine/internal/settlement"
	"x402-engine/internal/x402err"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu        sync.Mutex
	processed []int64
	failOn    map[int64]bool
	delay     time.Duration
}

func (p *recordingProcessor) Name() string { return "recording" }

func (p *recordingProcessor) Process(_ context.Context, msg Message) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, msg.Offset)
	if p.failOn[msg.Offset] {
		return errors.New("processing failed")
	}
	return nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func TestPool_ProcessesEverythingBeforeDrainReturns(t *testing.T) {
	proc := &recordingProcessor{delay: time.Millisecond}
	var results atomic.Int32
	pool := NewPool(PoolConfig{NumWorkers: 4, QueueSize: 2, OnResult: func(Result) { results.Add(1) }}, proc, observability.NewNopLogger())
	ctx := context.Background()

	require.ErrorIs(t, pool.Submit(ctx, Message{}), ErrPoolNotStarted)
	require.NoError(t, pool.Start(ctx))
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(ctx, Message{Offset: int64(i)}))
	}
	require.NoError(t, pool.Drain(ctx))

	assert.Equal(t, 20, proc.count())
	assert.Equal(t, int32(20), results.Load())
	assert.ErrorIs(t, pool.Submit(ctx, Message{}), ErrPoolClosed)
}

func TestPool_WorkersOutliveCancelledStartContext(t *testing.T) {
	proc := &recordingProcessor{}
	pool := NewPool(PoolConfig{NumWorkers: 1}, proc, observability.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	cancel()

	require.NoError(t, pool.Submit(context.Background(), Message{Offset: 1}))
	require.NoError(t, pool.Drain(context.Background()))
	assert.Equal(t, 1, proc.count())
}

type fakeReader struct {
	msgs chan kafkago.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(offsets ...int64) *fakeReader {
	r := &fakeReader{msgs: make(chan kafkago.Message, len(offsets))}
	for _, o := range offsets {
		r.msgs <- kafkago.Message{Topic: "confirmations", Offset: o, Value: []byte(`{}`)}
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_CommitsOnlySuccessfulMessages(t *testing.T) {
	reader := newFakeReader(1, 2, 3)
	proc := &recordingProcessor{failOn: map[int64]bool{2: true}}
	c := NewConsumer(ConsumerConfig{Topic: "confirmations", NumWorkers: 2}, reader, proc, observability.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return proc.count() == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []int64{1, 3}, reader.commits())
	assert.True(t, reader.closed)
}

type fakeConfirmations struct {
	got []settlement.Confirmation
	err error
}

func (f *fakeConfirmations) HandleConfirmation(_ context.Context, conf settlement.Confirmation) error {
	f.got = append(f.got, conf)
	return f.err
}

func TestConfirmationProcessor(t *testing.T) {
	ctx := context.Background()
	h := &fakeConfirmations{}
	p := NewConfirmationProcessor(h, observability.NewNopLogger())

	require.NoError(t, p.Process(ctx, Message{Value: []byte(`{"submissionId":"sub-1","status":"confirmed","txHash":"0xabc","count":3}`)}))
	require.Len(t, h.got, 1)
	assert.Equal(t, settlement.Confirmation{SubmissionID: "sub-1", Status: "confirmed", TxHash: "0xabc", Count: 3}, h.got[0])

	assert.NoError(t, p.Process(ctx, Message{Value: []byte(`not json`)}))
	assert.Len(t, h.got, 1)

	h.err = x402err.NotFound("submission", "sub-2")
	assert.NoError(t, p.Process(ctx, Message{Value: []byte(`{"submissionId":"sub-2","status":"failed"}`)}))

	h.err = x402err.Validation("status", "unknown transfer status")
	assert.NoError(t, p.Process(ctx, Message{Value: []byte(`{"submissionId":"sub-3","status":"lost"}`)}))

	h.err = errors.New("database unavailable")
	assert.Error(t, p.Process(ctx, Message{Value: []byte(`{"submissionId":"sub-4","status":"confirmed"}`)}))
}
