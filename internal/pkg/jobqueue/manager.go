package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
)

const (
	DefaultSchedule = "@every 30m"
	defaultTimeout  = 10 * time.Minute
)

// Syncer is the billing work run on every tick.
type Syncer interface {
	SyncAll(ctx context.Context) ([]billing.SyncReport, error)
	Renew(ctx context.Context) (int, error)
}

// RunResult summarizes one pass.
type RunResult struct {
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Reports   []billing.SyncReport `json:"reports"`
	Renewed   int                  `json:"renewed"`
}

// Manager runs the periodic provider sync and local renewal. A tick that
// fires while the previous pass is still running is skipped.
type Manager struct {
	cron     *cron.Cron
	syncer   Syncer
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	last    *RunResult
}

// NewManager validates schedule (standard cron syntax or descriptors such
// as "@every 30m").
func NewManager(syncer Syncer, schedule string, timeout time.Duration) (*Manager, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	m := &Manager{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		syncer:   syncer,
		schedule: schedule,
		timeout:  timeout,
	}
	if _, err := m.cron.AddFunc(schedule, m.tick); err != nil {
		return nil, errors.Wrapf(err, "invalid sync schedule %q", schedule)
	}
	return m, nil
}

// NewManagerFromEnv reads SYNC_SCHEDULE and SYNC_TIMEOUT.
func NewManagerFromEnv(syncer Syncer) (*Manager, error) {
	return NewManager(syncer,
		env.GetEnv("SYNC_SCHEDULE", DefaultSchedule),
		env.GetEnvDuration("SYNC_TIMEOUT", defaultTimeout),
	)
}

// Start starts the scheduler. Calling Start twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.cron.Start()
	log.Infof("[Sync Manager] started with schedule %s", m.schedule)
}

// Stop cancels a running pass and waits for it to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	log.Info("[Sync Manager] stopped")
}

func (m *Manager) tick() {
	m.mu.Lock()
	base := m.ctx
	m.mu.Unlock()
	if base == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, m.timeout)
	defer cancel()
	if _, err := m.RunOnce(ctx); err != nil {
		log.Errorf("[Sync Manager] pass failed: %v", err)
	}
}

// RunOnce syncs every provider and then renews manual subscriptions. A
// failed sync does not prevent renewal.
func (m *Manager) RunOnce(ctx context.Context) (*RunResult, error) {
	result := &RunResult{StartedAt: time.Now()}

	reports, syncErr := m.syncer.SyncAll(ctx)
	result.Reports = reports
	for _, r := range reports {
		if r.Failed > 0 {
			log.Warnf("[Sync Manager] %s: %d of %d subscriptions failed to sync", r.Provider, r.Failed, r.Checked)
		}
	}

	renewed, renewErr := m.syncer.Renew(ctx)
	result.Renewed = renewed
	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	if syncErr != nil || renewErr != nil {
		return result, errors.CombineErrors(
			errors.Wrap(syncErr, "sync"),
			errors.Wrap(renewErr, "renew"),
		)
	}
	log.Infof("[Sync Manager] pass finished in %v, renewed %d", result.Duration, renewed)
	return result, nil
}

// LastRun returns the result of the most recent pass, or nil.
func (m *Manager) LastRun() *RunResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
