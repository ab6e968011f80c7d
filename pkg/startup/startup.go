// Package startup brings process dependencies up in dependency order with
// retries, and takes them down in reverse.
package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

// StartupDependency is one piece of the process that must be up before the
// pieces that require it
type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

// Dependency adapts a pair of functions to StartupDependency. Nil functions
// are no-ops.
type Dependency struct {
	Name     string
	Requires []string
	StartFn  func(ctx context.Context) error
	StopFn   func(ctx context.Context) error
}

func (d *Dependency) GetName() string     { return d.Name }
func (d *Dependency) DependsOn() []string { return d.Requires }

func (d *Dependency) Start(ctx context.Context) error {
	if d.StartFn == nil {
		return nil
	}
	return d.StartFn(ctx)
}

func (d *Dependency) Stop(ctx context.Context) error {
	if d.StopFn == nil {
		return nil
	}
	return d.StopFn(ctx)
}

type Startup struct {
	logger      ectologger.Logger
	maxAttempts int
	deps        map[string]StartupDependency
	registered  []string
	status      map[string]Status
	started     []string
	// wait sleeps between attempts; replaced in tests
	wait func(ctx context.Context, d time.Duration) error
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		logger:      logger,
		maxAttempts: max(maxAttempts, 1),
		deps:        map[string]StartupDependency{},
		status:      map[string]Status{},
		wait:        sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AddDependency registers a dependency. Independent dependencies start in
// registration order.
func (s *Startup) AddDependency(dep StartupDependency) {
	name := dep.GetName()
	if _, ok := s.deps[name]; !ok {
		s.registered = append(s.registered, name)
	}
	s.deps[name] = dep
}

func (s *Startup) Status(name string) Status {
	return s.status[name]
}

// Start brings every dependency up. A failed attempt keeps what already
// started and retries the rest after 1s, 1s, 2s, 3s, 5s...
func (s *Startup) Start(ctx context.Context) error {
	plan, err := s.plan()
	if err != nil {
		return err
	}

	backoff := fibonacci(time.Second)
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		log := s.logger.WithContext(ctx).WithFields(map[string]any{
			"attempt":      attempt,
			"max_attempts": s.maxAttempts,
		})
		log.Info("Starting dependencies")

		if lastErr = s.startAll(ctx, plan); lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}

		delay := backoff()
		log.WithError(lastErr).WithField("retry_in", delay.String()).Warn("Startup attempt failed")
		if err := s.wait(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("startup failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Startup) startAll(ctx context.Context, plan []string) error {
	for _, name := range plan {
		if s.status[name] == StatusStarted {
			continue
		}
		log := s.logger.WithContext(ctx).WithField("dependency", name)
		log.Info("Starting dependency")
		if err := s.deps[name].Start(ctx); err != nil {
			s.status[name] = StatusFailed
			log.WithError(err).Error("Failed to start dependency")
			return fmt.Errorf("start %s: %w", name, err)
		}
		s.status[name] = StatusStarted
		s.started = append(s.started, name)
	}
	return nil
}

// plan orders dependencies so each comes after what it requires, rejecting
// unknown requirements and cycles
func (s *Startup) plan() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(s.deps))
	plan := make([]string, 0, len(s.deps))

	var visit func(name, from string) error
	visit = func(name, from string) error {
		dep, ok := s.deps[name]
		if !ok {
			return fmt.Errorf("dependency '%s' requires unknown dependency '%s'", from, name)
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle at '%s'", name)
		}
		state[name] = visiting
		for _, req := range dep.DependsOn() {
			if err := visit(req, name); err != nil {
				return err
			}
		}
		state[name] = done
		plan = append(plan, name)
		return nil
	}

	for _, name := range s.registered {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// fibonacci returns successive delays unit, unit, 2*unit, 3*unit, 5*unit...
func fibonacci(unit time.Duration) func() time.Duration {
	a, b := 1, 1
	return func() time.Duration {
		d := time.Duration(a) * unit
		a, b = b, a+b
		return d
	}
}

// Stop stops started dependencies in reverse start order. Every one gets a
// stop call; the errors are joined.
func (s *Startup) Stop(ctx context.Context) error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		if s.status[name] != StatusStarted {
			continue
		}
		log := s.logger.WithContext(ctx).WithField("dependency", name)
		if err := s.deps[name].Stop(ctx); err != nil {
			s.status[name] = StatusFailed
			log.WithError(err).Error("Failed to stop dependency")
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		s.status[name] = StatusStopped
		log.Info("Dependency stopped")
	}
	s.started = nil
	return errors.Join(errs...)
}
