package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/calvinmclean/sinevel"
	"github.com/calvinmclean/sinevel/bringup"
	"github.com/calvinmclean/sinevel/clock"
	"github.com/calvinmclean/sinevel/motor"
	"github.com/calvinmclean/sinevel/runlog"
)

var log = logrus.WithField("pkg", "controller")

// Session is the run of a single Axis, from bring-up until its loop exits
type Session struct {
	ID      string
	Axis    sinevel.Axis
	Start   time.Time
	Outcome sinevel.Outcome
	LogPath string
	Result  Result
	Err     error
}

// Controller discovers every Axis on a Bus, brings each one up, and then runs one velocity Loop per
// Axis until the stop signal
type Controller struct {
	bus     motor.Bus
	cfg     Config
	clock   clock.Clock
	sleeper clock.Sleeper

	newReporter func() reporter
	openLog     func(sinevel.Axis) (Recorder, string, error)

	mtx      sync.Mutex
	sessions []*Session
}

// New creates a Controller that owns bus and closes it when Run returns
func New(bus motor.Bus, cfg Config) *Controller {
	sys := clock.NewSystem()
	c := &Controller{
		bus:         bus,
		cfg:         cfg,
		clock:       sys,
		sleeper:     sys,
		newReporter: func() reporter { return noopReporter{} },
	}
	c.openLog = func(axis sinevel.Axis) (Recorder, string, error) {
		l, err := runlog.Create(c.cfg.LogDir, axis)
		if err != nil {
			return nil, "", err
		}
		return l, l.Path(), nil
	}
	if cfg.TWChartAddr != "" {
		c.newReporter = func() reporter { return newTWChartReporter(cfg.TWChartAddr) }
	}
	return c
}

// Sessions returns a snapshot of every Session started so far
func (c *Controller) Sessions() []Session {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	result := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		result = append(result, *s)
	}
	return result
}

// Run blocks until every Loop has exited. Cancelling ctx is the stop signal. Bring-up is done for
// all axes, one at a time, before any motion starts and the first failure aborts the whole run.
// The Bus is closed before returning
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		closeErr := c.bus.Close()
		if closeErr != nil {
			log.WithError(closeErr).Warn("error closing ports")
			err = multierr.Append(err, fmt.Errorf("error closing ports: %w", closeErr))
			return
		}
		log.Info("all ports closed")
	}()

	axes, err := c.discover()
	if err != nil {
		return err
	}

	var ready []*axisRun
	for _, a := range axes {
		run := c.newAxisRun(ctx, a)

		err = run.bringUp(ctx)
		if err != nil {
			disableErr := run.disable()
			for _, r := range ready {
				disableErr = multierr.Append(disableErr, r.disable())
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Info("stopped during bring-up")
				return disableErr
			}
			return multierr.Append(err, disableErr)
		}

		ready = append(ready, run)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(ready))
	var wg sync.WaitGroup
	for i, run := range ready {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = run.loop(loopCtx)
			if errs[i] != nil {
				// one failed axis stops the rest
				cancel()
			}
		}()
	}
	wg.Wait()

	return multierr.Combine(errs...)
}

type axisEntry struct {
	axis  sinevel.Axis
	motor motor.Motor
}

func (c *Controller) discover() ([]axisEntry, error) {
	ports, err := c.bus.Ports()
	if errors.Is(err, motor.ErrNoHardware) {
		log.WithError(err).Error("no hardware found")
		return nil, fmt.Errorf("%w: %w", sinevel.ErrNoHardwareFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("error discovering ports: %w", err)
	}

	var result []axisEntry
	for i, p := range ports {
		for n := range p.NodeCount() {
			m, err := p.Node(n)
			if err != nil {
				return nil, fmt.Errorf("error getting node %d on %q: %w", n, p.Name(), err)
			}
			result = append(result, axisEntry{
				axis:  sinevel.Axis{Port: i, Node: n, PortName: p.Name()},
				motor: m,
			})
		}
	}
	if len(result) == 0 {
		log.Error("no nodes found on any port")
		return nil, sinevel.ErrNoHardwareFound
	}

	log.Infof("found %d axes on %d ports", len(result), len(ports))
	return result, nil
}

// axisRun carries one Axis through bring-up, its Loop, and reporting
type axisRun struct {
	c        *Controller
	session  *Session
	motor    motor.Motor
	reporter reporter
	log      *logrus.Entry
}

func (c *Controller) newAxisRun(ctx context.Context, a axisEntry) *axisRun {
	s := &Session{ID: uuid.NewString(), Axis: a.axis}
	c.mtx.Lock()
	c.sessions = append(c.sessions, s)
	c.mtx.Unlock()

	run := &axisRun{
		c:        c,
		session:  s,
		motor:    a.motor,
		reporter: c.newReporter(),
		log:      log.WithFields(a.axis.Fields()).WithField("session", s.ID),
	}

	run.report(ctx, func(ctx context.Context, r reporter) error {
		_, err := r.CreateSession(ctx, a.axis.String())
		return err
	})

	return run
}

func (r *axisRun) bringUp(ctx context.Context) error {
	r.report(ctx, func(ctx context.Context, rep reporter) error {
		return rep.AddStage(ctx, "Bring-up", time.Now())
	})

	m := bringup.New(r.session.Axis, r.motor, r.c.clock, r.c.sleeper, bringup.Config{
		Timeout:    r.c.cfg.Timeout,
		ResetDelay: r.c.cfg.ResetDelay,
		Params:     r.c.cfg.Trajectory,
	})

	outcome, err := m.Run(ctx)
	r.update(func(s *Session) { s.Outcome = outcome })
	if err != nil {
		r.fail(ctx, err)
		return err
	}
	if !outcome.CanRun() {
		err = &sinevel.AxisError{Axis: r.session.Axis, Err: fmt.Errorf("unexpected bring-up outcome %v", outcome)}
		r.fail(ctx, err)
		return err
	}

	r.report(ctx, func(ctx context.Context, rep reporter) error {
		return rep.AddEvent(ctx, "bring-up "+outcome.String(), time.Now())
	})
	return nil
}

// loop runs the velocity Loop. The log is only created once the Axis is ready
func (r *axisRun) loop(ctx context.Context) error {
	recorder, path, err := r.c.openLog(r.session.Axis)
	if err != nil {
		err = &sinevel.AxisError{Axis: r.session.Axis, Err: err}
		r.fail(ctx, multierr.Append(err, r.disable()))
		return err
	}
	r.log.WithField("path", path).Info("logging velocity")

	start := time.Now()
	r.update(func(s *Session) {
		s.LogPath = path
		s.Start = start
	})
	r.report(ctx, func(ctx context.Context, rep reporter) error {
		err := rep.SetStartTime(ctx, start)
		if err != nil {
			return err
		}
		return rep.AddStage(ctx, "Running", start)
	})

	l := NewLoop(r.session.Axis, r.motor, r.c.clock, r.c.sleeper, r.c.cfg.Trajectory, recorder, LoopConfig{
		Rate:     r.c.cfg.Rate,
		Duration: r.c.cfg.Duration,
	})
	result, err := l.Run(ctx)
	r.update(func(s *Session) { s.Result = result })

	if err != nil {
		r.fail(ctx, err)
		return err
	}

	r.report(ctx, func(ctx context.Context, rep reporter) error {
		err := rep.AddStage(ctx, "Shutdown", time.Now())
		if err != nil {
			return err
		}
		return rep.Done(ctx)
	})
	return nil
}

func (r *axisRun) update(f func(*Session)) {
	r.c.mtx.Lock()
	defer r.c.mtx.Unlock()
	f(r.session)
}

// disable is a best-effort disable used when a run is aborted before its Loop starts
func (r *axisRun) disable() error {
	err := r.motor.RequestEnable(false)
	if err != nil {
		r.log.WithError(err).Warn("error disabling axis")
		return &sinevel.AxisError{Axis: r.session.Axis, Err: fmt.Errorf("error disabling: %w", err)}
	}
	return nil
}

func (r *axisRun) fail(ctx context.Context, err error) {
	r.update(func(s *Session) { s.Err = err })

	fields := logrus.Fields{}
	var fault *motor.Fault
	if errors.As(err, &fault) {
		fields["fault_addr"] = fault.Addr
		fields["fault_code"] = fmt.Sprintf("0x%08x", fault.Code)
	}
	r.log.WithFields(fields).WithError(err).Error("axis run failed")

	r.report(ctx, func(ctx context.Context, rep reporter) error {
		err := rep.AddEvent(ctx, "error: "+err.Error(), time.Now())
		if err != nil {
			return err
		}
		return rep.Done(ctx)
	})
}

// report sends run events without letting reporting problems affect motion. Reports are still
// sent after the stop signal so the session can be completed
func (r *axisRun) report(ctx context.Context, f func(context.Context, reporter) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	err := f(ctx, r.reporter)
	if err != nil {
		r.log.WithError(err).Warn("error reporting session")
	}
}
