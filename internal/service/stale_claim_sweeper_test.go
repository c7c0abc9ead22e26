package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/queue"
	"go.uber.org/zap"
)

func newTestSweeper(t *testing.T, store *memoryStore, maxRetries int) *StaleClaimSweeper {
	t.Helper()

	sweeper, err := NewStaleClaimSweeper(
		store.taskRepo(),
		store.attemptRepo(),
		RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Minute, MaxDelay: time.Hour},
		10*time.Minute,
		time.Second,
		10,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewStaleClaimSweeper() error = %v", err)
	}
	sweeper.outcomes.now = func() time.Time { return workerNow }
	sweeper.outcomes.randIntn = func(n int) int { return 0 }
	return sweeper
}

// startOne claims the seeded task and marks its delivery attempt as started,
// as a worker does right before calling the provider.
func startOne(t *testing.T, store *memoryStore, at time.Time) {
	t.Helper()

	msg := claimOne(t, store, at)
	if err := store.taskRepo().StartAttempt(context.Background(), msg.TaskID, msg.ClaimToken, at); err != nil {
		t.Fatalf("StartAttempt() error = %v", err)
	}
}

func TestStaleClaimSweeperRetriesStartedAttempt(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seedCampaignTask(store, 0)
	// Handed to the provider 20 minutes ago and never settled.
	startOne(t, store, workerNow.Add(-20*time.Minute))

	sweeper := newTestSweeper(t, store, 3)
	n, err := sweeper.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	task := store.task("t1")
	if task.Status != domain.TaskStatusScheduled {
		t.Fatalf("status = %s, want scheduled", task.Status)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", task.Attempts)
	}
	if !task.DueAt.Equal(workerNow.Add(time.Minute)) {
		t.Fatalf("dueAt = %s, want %s", task.DueAt, workerNow.Add(time.Minute))
	}
	if task.LastError == nil || !strings.Contains(*task.LastError, "claim expired") {
		t.Fatalf("lastError = %v, want claim expired", task.LastError)
	}
	if n := store.attemptCount("t1"); n != 1 {
		t.Fatalf("attempt rows = %d, want 1", n)
	}
}

func TestStaleClaimSweeperFailsAtMaxRetries(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seedCampaignTask(store, 2)
	startOne(t, store, workerNow.Add(-time.Hour))

	sweeper := newTestSweeper(t, store, 3)
	if _, err := sweeper.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	task := store.task("t1")
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", task.Attempts)
	}
}

func TestStaleClaimSweeperReleasesUnstartedClaim(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	_, seeded := seedCampaignTask(store, 0)
	// Claimed and queued 20 minutes ago, never picked up by a worker.
	claimOne(t, store, workerNow.Add(-20*time.Minute))

	sweeper := newTestSweeper(t, store, 3)
	n, err := sweeper.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	task := store.task("t1")
	if task.Status != domain.TaskStatusScheduled {
		t.Fatalf("status = %s, want scheduled", task.Status)
	}
	if task.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", task.Attempts)
	}
	if !task.DueAt.Equal(seeded.DueAt) {
		t.Fatalf("dueAt = %s, want unchanged %s", task.DueAt, seeded.DueAt)
	}
	if task.ClaimToken != "" || task.ClaimedAt != nil {
		t.Fatalf("claim not cleared: token=%q claimedAt=%v", task.ClaimToken, task.ClaimedAt)
	}
	if n := store.attemptCount("t1"); n != 0 {
		t.Fatalf("attempt rows = %d, want 0", n)
	}
}

func TestStaleClaimSweeperNeverFailsUndeliveredTask(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seedCampaignTask(store, 0)

	published := 0
	scanner, err := NewDueScanner(store.taskRepo(), &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.TaskMessage) error {
			published++
			return nil
		},
	}, time.Second, 10, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDueScanner() error = %v", err)
	}
	sweeper := newTestSweeper(t, store, 3)

	// Every message sits in the queue past the claim timeout, over and over.
	clock := workerNow
	for i := 0; i < 5; i++ {
		scanner.now = func() time.Time { return clock }
		if _, err := scanner.scanDue(context.Background()); err != nil {
			t.Fatalf("round %d: scanDue() error = %v", i+1, err)
		}
		clock = clock.Add(11 * time.Minute)
		sweeper.outcomes.now = func() time.Time { return clock }
		if _, err := sweeper.sweep(context.Background()); err != nil {
			t.Fatalf("round %d: sweep() error = %v", i+1, err)
		}
	}

	task := store.task("t1")
	if published != 5 {
		t.Fatalf("published = %d, want 5", published)
	}
	if task.Status != domain.TaskStatusScheduled {
		t.Fatalf("status = %s, want scheduled", task.Status)
	}
	if task.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 without any provider call", task.Attempts)
	}
}

func TestStaleClaimSweeperYieldsToStartedWorker(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seedCampaignTask(store, 0)
	msg := claimOne(t, store, workerNow.Add(-20*time.Minute))

	// The worker starts the attempt between the sweeper's fetch and its release.
	repo := &startOnFetchRepo{memoryTaskRepo: store.taskRepo(), msg: msg, at: workerNow}
	sweeper, err := NewStaleClaimSweeper(repo, store.attemptRepo(), RetryPolicy{MaxRetries: 3}, 10*time.Minute, time.Second, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStaleClaimSweeper() error = %v", err)
	}
	sweeper.outcomes.now = func() time.Time { return workerNow }

	n, err := sweeper.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered = %d, want 0", n)
	}

	task := store.task("t1")
	if task.Status != domain.TaskStatusSending || task.ClaimToken != msg.ClaimToken {
		t.Fatalf("task = %s/%q, want still held by the worker", task.Status, task.ClaimToken)
	}
}

type startOnFetchRepo struct {
	*memoryTaskRepo
	msg queue.TaskMessage
	at  time.Time
}

func (r *startOnFetchRepo) GetStaleSending(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SendTask, error) {
	stale, err := r.memoryTaskRepo.GetStaleSending(ctx, claimedBefore, limit)
	if err != nil {
		return nil, err
	}
	if err := r.memoryTaskRepo.StartAttempt(ctx, r.msg.TaskID, r.msg.ClaimToken, r.at); err != nil {
		return nil, err
	}
	return stale, nil
}

func TestStaleClaimSweeperIgnoresFreshClaims(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seedCampaignTask(store, 0)
	claimOne(t, store, workerNow.Add(-time.Minute))

	sweeper := newTestSweeper(t, store, 3)
	n, err := sweeper.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered = %d, want 0", n)
	}
	if got := store.task("t1").Status; got != domain.TaskStatusSending {
		t.Fatalf("status = %s, want sending", got)
	}
}

func TestNewStaleClaimSweeperValidation(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	if _, err := NewStaleClaimSweeper(nil, store.attemptRepo(), RetryPolicy{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil task repository")
	}
	if _, err := NewStaleClaimSweeper(store.taskRepo(), nil, RetryPolicy{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil attempt repository")
	}

	sweeper, err := NewStaleClaimSweeper(store.taskRepo(), store.attemptRepo(), RetryPolicy{}, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewStaleClaimSweeper() error = %v", err)
	}
	if sweeper.claimTimeout != defaultClaimTimeout || sweeper.interval != defaultSweepInterval || sweeper.limit != defaultSweepLimit {
		t.Fatalf("defaults not applied: %+v", sweeper)
	}
	if sweeper.outcomes.policy.MaxRetries != defaultMaxRetries {
		t.Fatalf("max retries = %d, want %d", sweeper.outcomes.policy.MaxRetries, defaultMaxRetries)
	}
}
