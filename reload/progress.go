package reload

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressChecker periodically scans a Coordinator's history for root tasks
// that have run past timeout without reaching a terminal state, and marks
// them stale. It mirrors the original's admin.reload.timeout /
// admin.reload.check_interval pairing.
type ProgressChecker struct {
	coordinator   *Coordinator
	timeout       time.Duration
	checkInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	log      *logrus.Entry
}

// NewProgressChecker builds a checker from raw config-record strings,
// parsing them with ParseDuration/ParseCheckInterval and falling back to
// DefaultReloadTimeout/DefaultCheckInterval on a parse error.
func NewProgressChecker(coordinator *Coordinator, timeoutRecord, checkIntervalRecord string) *ProgressChecker {
	log := logrus.WithField("component", "reload.progress")

	timeout, err := ParseDuration(timeoutRecord)
	if err != nil {
		log.WithError(err).WithField("value", timeoutRecord).Warn("invalid reload timeout, using default")
		timeout, _ = ParseDuration(DefaultReloadTimeout)
	}
	checkInterval, err := ParseCheckInterval(checkIntervalRecord)
	if err != nil {
		log.WithError(err).WithField("value", checkIntervalRecord).Warn("invalid reload check interval, using default")
		checkInterval, _ = ParseCheckInterval(DefaultCheckInterval)
	}

	return &ProgressChecker{
		coordinator:   coordinator,
		timeout:       timeout,
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
		log:           log,
	}
}

// Run blocks, ticking every checkInterval until Stop is called.
func (p *ProgressChecker) Run() {
	t := time.NewTicker(p.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *ProgressChecker) sweep() {
	now := time.Now().UnixMilli()
	deadlineMs := p.timeout.Milliseconds()
	for _, info := range p.coordinator.GetAll(0) {
		if info.State.IsTerminal() {
			continue
		}
		if now-info.CreatedAtMs < deadlineMs {
			continue
		}
		p.coordinator.MarkTaskAsStale(info.Token)
	}
}

// Stop halts Run. Safe to call more than once.
func (p *ProgressChecker) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
