package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const DefaultReconcileSchedule = "@every 1m"

// Reconciler brings running monitors in line with the store.
type Reconciler interface {
	Sync() error
}

// Scheduler runs the periodic reconcile job.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
}

func NewScheduler(reconciler Reconciler) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reconciler: reconciler,
	}
}

// Start registers the reconcile job with a cron spec (e.g. "@every 1m") and starts the scheduler.
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		spec = DefaultReconcileSchedule
	}
	if _, err := s.cron.AddFunc(spec, s.reconcile); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}

	s.cron.Start()
	log.WithField("schedule", spec).Info("Scheduler started")
	return nil
}

func (s *Scheduler) reconcile() {
	if err := s.reconciler.Sync(); err != nil {
		log.WithError(err).Error("Scheduled reconcile failed")
		return
	}
	log.Debug("Scheduled reconcile completed")
}

// Stop stops the scheduler and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info("Scheduler stopped")
}
