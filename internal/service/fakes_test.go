package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/provider"
	"github.com/kursadbilgin/campaign-dispatch/internal/queue"
	"github.com/kursadbilgin/campaign-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
)

// memoryStore keeps campaigns and tasks in memory and enforces the same
// claim-token guarded transitions as the gorm repositories.
type memoryStore struct {
	mu        sync.Mutex
	campaigns map[string]domain.Campaign
	tasks     map[string]*domain.SendTask
	attempts  []domain.DeliveryAttempt
	tokenSeq  int
	createErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		campaigns: make(map[string]domain.Campaign),
		tasks:     make(map[string]*domain.SendTask),
	}
}

func (s *memoryStore) campaignRepo() *memoryCampaignRepo { return &memoryCampaignRepo{s} }
func (s *memoryStore) taskRepo() *memoryTaskRepo         { return &memoryTaskRepo{s} }
func (s *memoryStore) attemptRepo() *memoryAttemptRepo   { return &memoryAttemptRepo{s} }

func (s *memoryStore) task(id string) domain.SendTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *memoryStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *memoryStore) attemptCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.TaskID == taskID {
			n++
		}
	}
	return n
}

func (s *memoryStore) addTask(campaign domain.Campaign, task domain.SendTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaign.ID] = campaign
	t := task
	s.tasks[t.ID] = &t
}

type memoryCampaignRepo struct{ s *memoryStore }

func (r *memoryCampaignRepo) CreateWithTasks(ctx context.Context, c *domain.Campaign, tasks []*domain.SendTask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.createErr != nil {
		return r.s.createErr
	}
	if len(tasks) == 0 {
		return domain.ErrEmptyResult
	}
	r.s.campaigns[c.ID] = *c
	for _, t := range tasks {
		copied := *t
		r.s.tasks[t.ID] = &copied
	}
	return nil
}

func (r *memoryCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r *memoryCampaignRepo) GetStatusCounts(ctx context.Context, campaignID string) ([]repository.StatusCount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := map[domain.TaskStatus]int{}
	for _, t := range r.s.tasks {
		if t.CampaignID == campaignID {
			counts[t.Status]++
		}
	}
	out := make([]repository.StatusCount, 0, len(counts))
	for status, count := range counts {
		out = append(out, repository.StatusCount{Status: status, Count: count})
	}
	return out, nil
}

func (r *memoryCampaignRepo) CancelScheduled(ctx context.Context, campaignID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, t := range r.s.tasks {
		if t.CampaignID == campaignID && t.Status == domain.TaskStatusScheduled {
			t.Status = domain.TaskStatusCancelled
			n++
		}
	}
	return n, nil
}

type memoryTaskRepo struct{ s *memoryStore }

func (r *memoryTaskRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Email, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	wanted := make(map[domain.TaskStatus]bool, len(params.Statuses))
	for _, status := range params.Statuses {
		wanted[status] = true
	}

	out := make([]domain.Email, 0)
	for _, t := range r.s.tasks {
		c := r.s.campaigns[t.CampaignID]
		if !wanted[t.Status] || (params.OwnerID != "" && c.OwnerID != params.OwnerID) {
			continue
		}
		out = append(out, domain.Email{Task: *t, Campaign: c})
	}
	finished := len(params.Statuses) > 0
	for _, status := range params.Statuses {
		finished = finished && status.IsTerminal()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Task, out[j].Task
		if finished {
			fa, fb := a.FinishedAt(), b.FinishedAt()
			if fa != nil && fb != nil && !fa.Equal(*fb) {
				return fa.After(*fb)
			}
			return a.ID < b.ID
		}
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.Position < b.Position
	})

	total := int64(len(out))
	if params.PageSize > 0 {
		start := min((max(params.Page, 1)-1)*params.PageSize, len(out))
		end := min(start+params.PageSize, len(out))
		out = out[start:end]
	}
	return out, total, nil
}

func (r *memoryTaskRepo) CountInFlight(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, t := range r.s.tasks {
		if t.Status == domain.TaskStatusSending {
			n++
		}
	}
	return n, nil
}

func (r *memoryTaskRepo) GetByID(ctx context.Context, id string) (*domain.SendTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *memoryTaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.SendTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := make([]*domain.SendTask, 0)
	for _, t := range r.s.tasks {
		if t.Status == domain.TaskStatusScheduled && !t.DueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].Position < due[j].Position
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.SendTask, 0, len(due))
	for _, t := range due {
		r.s.tokenSeq++
		claimedAt := now
		t.Status = domain.TaskStatusSending
		t.ClaimedAt = &claimedAt
		t.ClaimToken = fmt.Sprintf("token-%d", r.s.tokenSeq)
		t.AttemptStartedAt = nil
		out = append(out, *t)
	}
	return out, nil
}

func (r *memoryTaskRepo) held(id string, token string) (*domain.SendTask, error) {
	t, ok := r.s.tasks[id]
	if !ok || t.Status != domain.TaskStatusSending || t.ClaimToken != token {
		return nil, domain.ErrConflict
	}
	return t, nil
}

func (r *memoryTaskRepo) StartAttempt(ctx context.Context, id string, claimToken string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	started := at
	t.ClaimedAt = &started
	t.AttemptStartedAt = &started
	return nil
}

func (r *memoryTaskRepo) ReleaseClaim(ctx context.Context, id string, claimToken string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	release(t)
	return nil
}

func (r *memoryTaskRepo) ReleaseStaleClaim(ctx context.Context, id string, claimToken string, claimedBefore time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	if t.AttemptStartedAt != nil || t.ClaimedAt == nil || !t.ClaimedAt.Before(claimedBefore) {
		return domain.ErrConflict
	}
	release(t)
	return nil
}

func release(t *domain.SendTask) {
	t.Status = domain.TaskStatusScheduled
	t.ClaimedAt = nil
	t.ClaimToken = ""
	t.AttemptStartedAt = nil
}

func (r *memoryTaskRepo) MarkSent(ctx context.Context, id string, claimToken string, attempts int, sentAt time.Time, providerMsgID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	t.Status = domain.TaskStatusSent
	t.SentAt = &sentAt
	t.Attempts = attempts
	t.LastError = nil
	t.ClaimToken = ""
	t.AttemptStartedAt = nil
	if providerMsgID != "" {
		t.ProviderMessageID = &providerMsgID
	}
	return nil
}

func (r *memoryTaskRepo) ScheduleRetry(ctx context.Context, id string, claimToken string, update repository.RetryUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	lastError := update.LastError
	t.Status = domain.TaskStatusScheduled
	t.DueAt = update.DueAt
	t.Attempts = update.Attempts
	t.LastError = &lastError
	t.ClaimedAt = nil
	t.ClaimToken = ""
	t.AttemptStartedAt = nil
	return nil
}

func (r *memoryTaskRepo) MarkFailed(ctx context.Context, id string, claimToken string, attempts int, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	t.Status = domain.TaskStatusFailed
	t.Attempts = attempts
	t.LastError = &lastError
	t.ClaimToken = ""
	t.AttemptStartedAt = nil
	return nil
}

func (r *memoryTaskRepo) GetStaleSending(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SendTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.SendTask, 0)
	for _, t := range r.s.tasks {
		if t.Status == domain.TaskStatusSending && t.ClaimedAt != nil && t.ClaimedAt.Before(claimedBefore) {
			out = append(out, *t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryAttemptRepo struct{ s *memoryStore }

func (r *memoryAttemptRepo) Record(ctx context.Context, a *domain.DeliveryAttempt) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.attempts {
		if existing.TaskID == a.TaskID && existing.AttemptNumber == a.AttemptNumber {
			return false, nil
		}
	}
	r.s.attempts = append(r.s.attempts, *a)
	return true, nil
}

func (r *memoryAttemptRepo) ListByTask(ctx context.Context, taskID string) ([]domain.DeliveryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.DeliveryAttempt, 0)
	for _, a := range r.s.attempts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}

var (
	_ repository.CampaignRepository = (*memoryCampaignRepo)(nil)
	_ repository.TaskRepository     = (*memoryTaskRepo)(nil)
	_ repository.AttemptRepository  = (*memoryAttemptRepo)(nil)
)

type fakeTaskRepo struct {
	repository.TaskRepository
	countInFlightFn func(ctx context.Context) (int64, error)
	claimDueFn      func(ctx context.Context, now time.Time, limit int) ([]domain.SendTask, error)
	releaseClaimFn  func(ctx context.Context, id string, claimToken string) error
}

func (f *fakeTaskRepo) CountInFlight(ctx context.Context) (int64, error) {
	if f.countInFlightFn != nil {
		return f.countInFlightFn(ctx)
	}
	return 0, nil
}

func (f *fakeTaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.SendTask, error) {
	if f.claimDueFn != nil {
		return f.claimDueFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeTaskRepo) ReleaseClaim(ctx context.Context, id string, claimToken string) error {
	if f.releaseClaimFn != nil {
		return f.releaseClaimFn(ctx, id, claimToken)
	}
	return nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.TaskMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.TaskMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeProvider struct {
	sendFn func(ctx context.Context, msg domain.Message) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, msg domain.Message) (*provider.ProviderResponse, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.ProviderResponse{}, nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }
