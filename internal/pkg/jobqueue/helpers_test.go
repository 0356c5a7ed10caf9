package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatforge-app/chatforge/internal/pkg/cache/cachetest"
	"github.com/chatforge-app/chatforge/internal/pkg/crawler"
)

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// offlineClient never dials unless a command is issued.
func offlineClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
}

func newRedisQueue(t *testing.T, workers int) *Queue {
	t.Helper()
	q := NewQueue(cachetest.Client(t), workers)
	q.retryBackoff = 10 * time.Millisecond
	q.retryPoll = 10 * time.Millisecond
	return q
}

type fakeCrawler struct {
	mu     sync.Mutex
	calls  []crawler.Options
	result *crawler.Result
	err    error
}

func (f *fakeCrawler) Crawl(_ context.Context, opts crawler.Options) (*crawler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeArchive struct {
	keys []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, jobID string, _ time.Time, _ interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := "crawls/2026/01/" + jobID + ".json"
	f.keys = append(f.keys, key)
	return key, nil
}

var errFlaky = errors.New("flaky upstream")
