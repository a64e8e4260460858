package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/askgram/internal/storage"
)

func TestAwaitAnswer_ReturnsWhenAnswered(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sub, err := svc.SubmitQuestion(ctx, "alice", QuestionInput{Prompt: "Q"})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		svc.SubmitAnswer(ctx, "alice", sub.ID, "done")
	}()

	ans, err := svc.AwaitAnswer(ctx, "alice", sub.ID, AwaitOptions{Timeout: 2 * time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "done", ans.Response)
	assert.Equal(t, sub.ID, ans.ID)
}

func TestAwaitAnswer_AlreadyCompletedReturnsImmediately(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sub, err := svc.SubmitQuestion(ctx, "alice", QuestionInput{Prompt: "Q"})
	require.NoError(t, err)
	_, err = svc.SubmitAnswer(ctx, "alice", sub.ID, "done")
	require.NoError(t, err)

	start := time.Now()
	ans, err := svc.AwaitAnswer(ctx, "alice", sub.ID, AwaitOptions{Timeout: time.Second, PollInterval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "done", ans.Response)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAwaitAnswer_TimeoutLeavesPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sub, err := svc.SubmitQuestion(ctx, "alice", QuestionInput{Prompt: "Q"})
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.AwaitAnswer(ctx, "alice", sub.ID, AwaitOptions{Timeout: 2 * time.Second, PollInterval: time.Second})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	st, err := svc.GetStatus(ctx, "alice", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, st.Status)

	// A late answer is still recorded.
	_, err = svc.SubmitAnswer(ctx, "alice", sub.ID, "late")
	require.NoError(t, err)
	st, err = svc.GetStatus(ctx, "alice", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, st.Status)
}

func TestAwaitAnswer_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sub, err := svc.SubmitQuestion(ctx, "alice", QuestionInput{Prompt: "Q"})
	require.NoError(t, err)

	_, err = svc.AwaitAnswer(ctx, "alice", "req_000000000000", AwaitOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.AwaitAnswer(ctx, "bob", sub.ID, AwaitOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAwaitAnswer_ContextCancelled(t *testing.T) {
	svc, _, _ := newTestService(t)
	sub, err := svc.SubmitQuestion(context.Background(), "alice", QuestionInput{Prompt: "Q"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = svc.AwaitAnswer(ctx, "alice", sub.ID, AwaitOptions{Timeout: 10 * time.Second, PollInterval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitAnswer_ManyWaitersSeeSameAnswer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sub, err := svc.SubmitQuestion(ctx, "alice", QuestionInput{Prompt: "Q"})
	require.NoError(t, err)

	const waiters = 5
	results := make([]Answer, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.AwaitAnswer(ctx, "alice", sub.ID, AwaitOptions{Timeout: 2 * time.Second, PollInterval: 10 * time.Millisecond})
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	_, err = svc.SubmitAnswer(ctx, "alice", sub.ID, "shared")
	require.NoError(t, err)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i].Response)
		assert.True(t, results[i].ResponseAt.Equal(results[0].ResponseAt))
	}
}
