package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Settings is the slice of configuration the supervisor acts on. It is
// re-produced by LoadSettings on every SIGHUP.
type Settings struct {
	Endpoints []Endpoint
	Workers   int

	Pidfile string
	User    string
	Group   string

	// DrainTimeout bounds how long workers may take to finish in-flight
	// sessions at shutdown.
	DrainTimeout time.Duration
}

// Supervisor is the parent process: it binds the sockets while it may
// still hold privileges, drops them, spawns the workers and watches over
// them. There is always at least one worker in addition to the
// supervisor.
type Supervisor struct {
	// LoadSettings parses (or re-parses) the configuration.
	LoadSettings func() (*Settings, error)

	Logger *slog.Logger
}

type workerExit struct {
	slot int
	gen  int
	err  error
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{} // closed once Wait has returned
}

// Run supervises until SIGTERM or SIGINT. SIGHUP drains the fleet and
// replaces it with workers spawned from freshly parsed configuration.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "supervisor"))

	settings, err := s.LoadSettings()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	bound, err := BindEndpoints(settings.Endpoints)
	if err != nil {
		return err
	}
	defer func() { closeAll(bound) }()

	if err := DropPrivileges(settings.User, settings.Group, logger); err != nil {
		return err
	}

	if err := WritePidfile(settings.Pidfile); err != nil {
		return err
	}
	defer RemovePidfile(settings.Pidfile)

	// reserved
	signal.Ignore(syscall.SIGUSR1, syscall.SIGUSR2)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigs)

	exits := make(chan workerExit)
	respawns := make(chan int)

	children := make(map[int]*child)
	backoffs := make(map[int]*backoff.ExponentialBackOff)

	// generation guards against exit notifications from a fleet that a
	// reload already replaced
	gen := 0

	spawn := func(slot int) {
		cmd, err := s.spawnWorker(slot, bound, logger)
		if err != nil {
			logger.Error("cannot spawn worker", slog.Int("slot", slot), slog.Any("error", err))
			s.scheduleRespawn(slot, backoffs, respawns)
			return
		}

		c := &child{cmd: cmd, done: make(chan struct{})}
		children[slot] = c

		spawnGen := gen
		go func() {
			err := cmd.Wait()
			close(c.done)
			exits <- workerExit{slot: slot, gen: spawnGen, err: err}
		}()
	}

	for slot := range settings.Workers {
		spawn(slot)
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(children, settings, logger)

		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				logger.Info("reloading configuration")

				newSettings, err := s.LoadSettings()
				if err != nil {
					logger.Error("reload failed, keeping current configuration",
						slog.Any("error", err))
					continue
				}

				// drain the old fleet first: the workers hold duplicates
				// of the old sockets, and the new set cannot bind until
				// those are gone
				if err := s.shutdown(children, settings, logger); err != nil {
					return err
				}
				closeAll(bound)

				newBound, err := BindEndpoints(newSettings.Endpoints)
				if err != nil {
					return fmt.Errorf("rebind after reload: %w", err)
				}

				settings, bound = newSettings, newBound
				children = make(map[int]*child)
				backoffs = make(map[int]*backoff.ExponentialBackOff)
				gen++

				for slot := range settings.Workers {
					spawn(slot)
				}

				continue
			}

			logger.Info("shutting down", slog.String("signal", sig.String()))
			return s.shutdown(children, settings, logger)

		case exit := <-exits:
			if exit.gen != gen {
				// a worker of an already-replaced fleet
				continue
			}

			delete(children, exit.slot)

			if exit.err != nil {
				logger.Warn("worker crashed, restarting",
					slog.Int("slot", exit.slot), slog.Any("error", exit.err))
				s.scheduleRespawn(exit.slot, backoffs, respawns)
				continue
			}

			// a clean exit outside shutdown still leaves a hole in the
			// fleet; refill it immediately
			logger.Info("worker exited, replacing", slog.Int("slot", exit.slot))
			if b, ok := backoffs[exit.slot]; ok {
				b.Reset()
			}
			spawn(exit.slot)

		case slot := <-respawns:
			spawn(slot)
		}
	}
}

// scheduleRespawn arms a delayed respawn so crash loops cannot spin the
// supervisor.
func (s *Supervisor) scheduleRespawn(slot int, backoffs map[int]*backoff.ExponentialBackOff, respawns chan<- int) {
	delay := nextRespawnDelay(backoffs, slot)
	time.AfterFunc(delay, func() { respawns <- slot })
}

func nextRespawnDelay(backoffs map[int]*backoff.ExponentialBackOff, slot int) time.Duration {
	b, ok := backoffs[slot]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		backoffs[slot] = b
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = b.MaxInterval
	}

	return delay
}

func (s *Supervisor) spawnWorker(slot int, bound []Bound, logger *slog.Logger) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	files, manifest, err := workerFiles(bound)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", workerEnv, slot+1),
		manifestEnv+"="+manifest,
	)

	if err := cmd.Start(); err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, err
	}

	// the children own their duplicated fds now
	for _, f := range files {
		f.Close()
	}

	logger.Info("worker started", slog.Int("slot", slot), slog.Int("pid", cmd.Process.Pid))

	return cmd, nil
}

// shutdown propagates SIGTERM and waits for the fleet to drain, escalating
// to SIGKILL for stragglers.
func (s *Supervisor) shutdown(children map[int]*child, settings *Settings, logger *slog.Logger) error {
	if len(children) == 0 {
		return nil
	}

	for slot, c := range children {
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Warn("cannot signal worker", slog.Int("slot", slot), slog.Any("error", err))
		}
	}

	grace := settings.DrainTimeout + 5*time.Second

	done := make(chan struct{})
	go func() {
		for _, c := range children {
			<-c.done
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("workers did not drain in time, killing")
		for _, c := range children {
			_ = c.cmd.Process.Kill()
		}
		<-done
	}

	return nil
}
