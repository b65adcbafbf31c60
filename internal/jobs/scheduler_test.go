package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu        sync.Mutex
	published []*RunJob
	err       error
}

func (m *mockPublisher) PublishRun(ctx context.Context, job *RunJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	job.JobID = fmt.Sprintf("job-%d", len(m.published)+1)
	job.Status = JobStatusPending
	m.published = append(m.published, job)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// mockStore reports the status of the publisher's jobs.
type mockStore struct {
	JobStore
	pub *mockPublisher
}

func (m *mockStore) GetJob(ctx context.Context, jobID string) (*RunJob, error) {
	m.pub.mu.Lock()
	defer m.pub.mu.Unlock()
	for _, j := range m.pub.published {
		if j.JobID == jobID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrJobNotFound
}

func TestScheduler_SkipsWhilePreviousRunIsActive(t *testing.T) {
	pub := &mockPublisher{}
	s := &Scheduler{Publisher: pub, Store: &mockStore{pub: pub}, Trigger: "worker"}
	ctx := context.Background()

	s.tick(ctx)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, JobTypeReconcile, pub.published[0].Type)
	assert.Equal(t, "worker", pub.published[0].Trigger)

	s.tick(ctx)
	assert.Equal(t, 1, pub.count(), "pending job blocks the next tick")

	pub.mu.Lock()
	pub.published[0].Status = JobStatusCompleted
	pub.mu.Unlock()

	s.tick(ctx)
	assert.Equal(t, 2, pub.count())
}

func TestScheduler_PublishErrorIsNotFatal(t *testing.T) {
	pub := &mockPublisher{err: fmt.Errorf("queue is closed")}
	s := &Scheduler{Publisher: pub}
	s.tick(context.Background())
	assert.Empty(t, s.last)
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	pub := &mockPublisher{}
	s := &Scheduler{Interval: time.Hour, Publisher: pub, RunOnStart: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
