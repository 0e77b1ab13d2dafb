package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tenantbill/tenantbill/internal/pkg/billing"
	"github.com/tenantbill/tenantbill/internal/pkg/env"
)

// Manager runs the billing background tasks: the reconciliation sweep
// and the provider price sync.
type Manager struct {
	svc   *billing.Service
	sweep *billing.Sweep

	sweepTicker     *time.Ticker
	priceSyncTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// InitManager wires the global background manager (singleton).
func InitManager(svc *billing.Service, sweep *billing.Sweep) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			svc:    svc,
			sweep:  sweep,
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global background manager, or nil before
// InitManager ran.
func GetManager() *Manager {
	return globalManager
}

// Start starts the background tickers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Job Manager] Starting billing background tasks")

	sweepInterval := 5 * time.Minute
	if v, err := strconv.Atoi(env.GetEnv("BILLING_SWEEP_INTERVAL_MINUTES", "")); err == nil && v > 0 {
		sweepInterval = time.Duration(v) * time.Minute
	}
	m.sweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	priceSyncInterval := 6 * time.Hour
	if v, err := strconv.Atoi(env.GetEnv("PRICE_SYNC_INTERVAL_HOURS", "")); err == nil && v > 0 {
		priceSyncInterval = time.Duration(v) * time.Hour
	}
	m.priceSyncTicker = time.NewTicker(priceSyncInterval)
	m.wg.Add(1)
	go m.priceSyncWorker()

	log.Info("[Job Manager] Started successfully")
}

// Stop stops the tickers and waits for in-flight work to finish, so no
// per-event transaction is cut off halfway.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Job Manager] Stopping billing background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.priceSyncTicker != nil {
		m.priceSyncTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Job Manager] Stopped")
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.sweepTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
			if err := m.sweep.Run(ctx); err != nil {
				log.Errorf("[Job Manager] sweep cycle failed: %v", err)
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) priceSyncWorker() {
	defer m.wg.Done()

	// Sync once at startup so the plan catalog is usable immediately.
	m.runPriceSync()

	for {
		select {
		case <-m.priceSyncTicker.C:
			m.runPriceSync()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) runPriceSync() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	synced, err := m.svc.SyncPrices(ctx)
	if err != nil {
		log.Errorf("[Job Manager] price sync failed: %v", err)
		return
	}
	log.Infof("[Job Manager] price sync done, %d prices", synced)
}
