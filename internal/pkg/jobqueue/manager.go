package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/internal/pkg/metrics"
)

// Manager runs the queue and its periodic background tasks
type Manager struct {
	queue         *Queue
	depthInterval time.Duration
	depthTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager wraps queue. Queue depth is exported to metrics every interval.
func NewManager(queue *Queue, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{queue: queue, depthInterval: interval}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.depthTicker = time.NewTicker(m.depthInterval)
	m.wg.Add(1)
	go m.depthWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.depthTicker != nil {
		m.depthTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) depthWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Depth worker stopping")
			return
		case <-m.depthTicker.C:
			if err := m.reportDepthOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Queue depth error: %v", err)
			}
		}
	}
}

func (m *Manager) reportDepthOnce(ctx context.Context) error {
	pending, err := m.queue.GetQueueSize(ctx)
	if err != nil {
		return err
	}
	processing, err := m.queue.GetProcessingSize(ctx)
	if err != nil {
		return err
	}
	retrying, err := m.queue.GetRetrySize(ctx)
	if err != nil {
		return err
	}
	metrics.CrawlQueueDepth.WithLabelValues(string(JobStatusPending)).Set(float64(pending))
	metrics.CrawlQueueDepth.WithLabelValues(string(JobStatusProcessing)).Set(float64(processing))
	metrics.CrawlQueueDepth.WithLabelValues(string(JobStatusRetrying)).Set(float64(retrying))
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
