package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Plan scripts how the simulator treats one submission.
type Plan struct {
	// TransientFailures is how many Submit calls fail with ErrTransient first.
	TransientFailures int
	// Reject makes Submit fail with ErrRejected.
	Reject bool
	// PendingPolls is how many Status calls report pending before Final.
	PendingPolls int
	// Final is the settled status. Empty means confirmed.
	Final Status
	// EntryCount overrides the reported settled entry count.
	EntryCount int
}

type submission struct {
	id      string
	key     string
	entries []Entry
	plan    Plan
	polls   int
	status  Status
}

// Simulator is an in-process transfer service. Submissions are idempotent
// per key and settle according to the Plan returned by the script.
type Simulator struct {
	mu       sync.Mutex
	script   func(key string, entries []Entry) Plan
	byKey    map[string]*submission
	byID     map[string]*submission
	attempts map[string]int
	submits  int
}

func NewSimulator() *Simulator {
	return &Simulator{
		script:   func(string, []Entry) Plan { return Plan{} },
		byKey:    make(map[string]*submission),
		byID:     make(map[string]*submission),
		attempts: make(map[string]int),
	}
}

// Script replaces the plan used for new submissions.
func (s *Simulator) Script(fn func(key string, entries []Entry) Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = fn
}

func (s *Simulator) Submit(ctx context.Context, key string, entries []Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.byKey[key]; ok {
		return sub.id, nil
	}

	plan := s.script(key, entries)
	s.attempts[key]++
	if s.attempts[key] <= plan.TransientFailures {
		return "", fmt.Errorf("%w: simulated outage", ErrTransient)
	}
	if plan.Reject {
		return "", fmt.Errorf("%w: simulated rejection", ErrRejected)
	}
	if plan.Final == "" {
		plan.Final = StatusConfirmed
	}

	sub := &submission{
		id:      "sim-" + uuid.NewString(),
		key:     key,
		entries: append([]Entry(nil), entries...),
		plan:    plan,
		status:  StatusPending,
	}
	s.byKey[key] = sub
	s.byID[sub.id] = sub
	s.submits++
	return sub.id, nil
}

func (s *Simulator) Status(ctx context.Context, submissionID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byID[submissionID]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown submission %s", ErrRejected, submissionID)
	}
	if sub.status == StatusPending {
		if sub.polls < sub.plan.PendingPolls {
			sub.polls++
			return s.result(sub), nil
		}
		sub.status = sub.plan.Final
	}
	return s.result(sub), nil
}

// Resolve forces a submission into a final status ahead of its plan, as the
// network settling it early would.
func (s *Simulator) Resolve(submissionID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byID[submissionID]; ok {
		sub.status = status
	}
}

// Submissions reports how many distinct transfers were accepted.
func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Simulator) result(sub *submission) Result {
	r := Result{SubmissionID: sub.id, Status: sub.status}
	switch sub.status {
	case StatusConfirmed:
		r.TxHash = crypto.Keccak256Hash([]byte(sub.key)).Hex()
		r.EntryCount = len(sub.entries)
		if sub.plan.EntryCount > 0 {
			r.EntryCount = sub.plan.EntryCount
		}
	case StatusFailed:
		r.Reason = "simulated failure"
	}
	return r
}
