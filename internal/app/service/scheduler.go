package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a periodic background task. A zero Interval disables it.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Timeout    time.Duration
	Run        func(ctx context.Context) error
}

// Scheduler runs jobs on their own tickers until stopped.
type Scheduler struct {
	logger   *zap.Logger
	jobs     []Job
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for the given jobs.
func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:   logger,
		jobs:     jobs,
		stopChan: make(chan struct{}),
	}
}

// Start begins running every enabled job.
func (s *Scheduler) Start() {
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Info("scheduled job disabled", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.run(job)
	}
}

// Stop stops all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Scheduler) run(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		s.execute(job)
	}
	for {
		select {
		case <-ticker.C:
			s.execute(job)
		case <-s.stopChan:
			s.logger.Info("scheduled job stopped", zap.String("job", job.Name))
			return
		}
	}
}

func (s *Scheduler) execute(job Job) {
	ctx := context.Background()
	if job.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, job.Timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stop cancels an in-flight run.
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("scheduled job finished",
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(started)),
	)
}
