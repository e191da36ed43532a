package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// respondRetry is the pause before the discovery responder restarts.
const respondRetry = 5 * time.Second

// Background is the part of the session the daemon drives.
type Background interface {
	Announce(ctx context.Context) error
	Respond(ctx context.Context) error
	Verify() (*license.VerifiedToken, error)
	VerifyLedger() error
}

// DaemonConfig configures the daemon jobs.
type DaemonConfig struct {
	// PresenceInterval is how often the holder announces itself. Zero disables it.
	PresenceInterval time.Duration
	// VerifySchedule is a standard cron expression or descriptor such as "@every 1h".
	VerifySchedule string
	// Discovery enables the responder that answers peer elections.
	Discovery bool
}

// Daemon runs the periodic jobs of a device: presence announcements,
// scheduled re-verification and the discovery responder.
type Daemon struct {
	session Background
	cfg     DaemonConfig
	cron    *cron.Cron
	logger  zerolog.Logger

	mu       sync.Mutex
	lastErr  error
	verified time.Time
}

// NewDaemon creates a daemon and registers its jobs.
func NewDaemon(session Background, cfg DaemonConfig, logger zerolog.Logger) (*Daemon, error) {
	d := &Daemon{
		session: session,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "daemon").Logger(),
	}

	if cfg.VerifySchedule != "" {
		if _, err := d.cron.AddFunc(cfg.VerifySchedule, d.verify); err != nil {
			return nil, fmt.Errorf("invalid verify schedule %q: %w", cfg.VerifySchedule, err)
		}
	}
	if cfg.PresenceInterval > 0 && cfg.Discovery {
		spec := "@every " + cfg.PresenceInterval.String()
		if _, err := d.cron.AddFunc(spec, d.announce); err != nil {
			return nil, fmt.Errorf("invalid presence interval: %w", err)
		}
	}
	return d, nil
}

// Run starts the jobs and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	d.verify()
	d.cron.Start()
	d.logger.Info().
		Int("jobs", len(d.cron.Entries())).
		Bool("discovery", d.cfg.Discovery).
		Msg("daemon started")

	var wg sync.WaitGroup
	if d.cfg.Discovery {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.respond(ctx)
		}()
	}

	<-ctx.Done()
	stopCtx := d.cron.Stop()
	<-stopCtx.Done()
	wg.Wait()
	d.logger.Info().Msg("daemon stopped")
	return nil
}

// LastVerification returns the time and result of the last scheduled check.
func (d *Daemon) LastVerification() (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verified, d.lastErr
}

func (d *Daemon) verify() {
	_, err := d.session.Verify()
	if err == nil {
		err = d.session.VerifyLedger()
	}

	d.mu.Lock()
	d.verified = time.Now()
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn().Err(err).Msg("scheduled verification failed")
		return
	}
	d.logger.Debug().Msg("scheduled verification passed")
}

func (d *Daemon) announce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.session.Announce(ctx); err != nil {
		d.logger.Debug().Err(err).Msg("presence announcement skipped")
	}
}

// respond keeps the discovery responder running. It restarts after errors,
// for example while no token has been imported yet.
func (d *Daemon) respond(ctx context.Context) {
	for {
		err := d.session.Respond(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Debug().Err(err).Msg("discovery responder stopped")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(respondRetry):
		}
	}
}
