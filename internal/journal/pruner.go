package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/conduit/internal/logger"
)

// DefaultPruneSchedule runs the pruner at the top of every hour.
const DefaultPruneSchedule = "0 * * * *"

// ErrInvalidCron wraps cron parse failures.
var ErrInvalidCron = errors.New("invalid cron expression")

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks if a cron expression is valid
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return nil
}

// Pruner deletes journal entries older than the retention window on a
// cron schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

// NewPruner creates a pruner. schedule empty selects DefaultPruneSchedule.
func NewPruner(store *Store, schedule string, retention time.Duration) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("journal retention must be positive, got %v", retention)
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if err := ValidateCron(schedule); err != nil {
		return nil, err
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		cron:      cron.New(cron.WithParser(cronParser)),
		now:       time.Now,
	}
	if _, err := p.cron.AddFunc(schedule, func() { _, _ = p.RunOnce() }); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return p, nil
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce() (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(cutoff)
	if err != nil {
		logger.Error("Journal prune failed: %v", err)
		return 0, err
	}
	if n > 0 {
		logger.Info("Pruned %d journal entries older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Start begins the cron loop
func (p *Pruner) Start() {
	p.cron.Start()
	logger.Info("Journal pruner started (retention %v)", p.retention)
}

// Stop halts the cron loop and waits for a running prune to finish
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
	logger.Info("Journal pruner stopped")
}
