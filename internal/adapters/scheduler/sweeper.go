// Package scheduler runs the periodic maintenance jobs on a cron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one periodic task. It receives a context bounded by the interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Sweeper wraps a cron that skips a run while the previous one of the same
// job is still going.
type Sweeper struct {
	cron *cron.Cron
}

func New(jobs ...Job) (*Sweeper, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range jobs {
		if j.Interval <= 0 {
			continue
		}
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.Interval), runJob(j)); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.Name, err)
		}
		log.Info().Str("module", "adapters.scheduler").Str("job", j.Name).Dur("interval", j.Interval).Msg("job scheduled")
	}
	return &Sweeper{cron: c}, nil
}

// Run starts the cron and blocks until ctx is done and running jobs finished.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func runJob(j Job) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.Interval)
		defer cancel()
		start := time.Now()
		if err := j.Run(ctx); err != nil {
			log.Error().Err(err).Str("module", "adapters.scheduler").Str("job", j.Name).Msg("job failed")
			return
		}
		log.Debug().Str("module", "adapters.scheduler").Str("job", j.Name).Dur("took", time.Since(start)).Msg("job done")
	}
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Str("module", "adapters.scheduler").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Str("module", "adapters.scheduler").Fields(keysAndValues).Msg(msg)
}
