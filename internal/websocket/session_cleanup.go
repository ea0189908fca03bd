package websocket

import (
	"time"

	"go.uber.org/zap"
)

// ConnectionCleanupService evicts connection states whose device has been
// gone for longer than the inactivity window
type ConnectionCleanupService struct {
	hub      *Hub
	window   time.Duration
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
}

// NewConnectionCleanupService creates a new cleanup service
func NewConnectionCleanupService(hub *Hub, window, interval time.Duration, logger *zap.Logger) *ConnectionCleanupService {
	return &ConnectionCleanupService{
		hub:      hub,
		window:   window,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *ConnectionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Connection cleanup service started",
		zap.Duration("window", s.window),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *ConnectionCleanupService) Stop() {
	close(s.stopChan)
	s.logger.Info("Connection cleanup service stopped")
}

func (s *ConnectionCleanupService) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.runCleanup(now)
		}
	}
}

func (s *ConnectionCleanupService) runCleanup(now time.Time) {
	if n := s.hub.evictInactive(now, s.window); n > 0 {
		s.logger.Info("Connection cleanup completed", zap.Int("evicted", n))
	}
}
