// internal/watchdog/supervisor.go
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensorhub/internal/metric"
	"sensorhub/internal/pending"
	"sensorhub/internal/sensor"
)

// State is the health of the link as seen by the supervisor
type State int

const (
	Healthy State = iota
	Suspect
	Recovering
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrPeerCrashed = errors.New("peer reported a crash")

// Recoverer tears down and resynchronizes the link
type Recoverer interface {
	Recover(ctx context.Context) error
}

// Activity exposes per-sensor delivery counts
type Activity interface {
	Reported(t sensor.Type) int64
}

// EnabledSensors lists the sensors currently switched on
type EnabledSensors interface {
	EnabledTypes() []sensor.Type
}

// Config tunes the supervisor
type Config struct {
	Period           time.Duration `mapstructure:"period"`
	MissedTicks      int           `mapstructure:"missed_ticks"`
	TimeoutThreshold int           `mapstructure:"timeout_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ViolationWindow  time.Duration `mapstructure:"violation_window"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`

	// Continuous limits silence detection to these types; empty watches
	// every type that reports at a fixed rate
	Continuous []sensor.Type `mapstructure:"-"`
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		Period:           time.Second,
		MissedTicks:      3,
		TimeoutThreshold: 3,
		Cooldown:         10 * time.Second,
		ViolationWindow:  2 * time.Second,
		RecoveryTimeout:  10 * time.Second,
	}
}

// Status is a snapshot for diagnostics
type Status struct {
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Recoveries   int       `json:"recoveries"`
	LastRecovery time.Time `json:"last_recovery,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type sensorTrack struct {
	last   int64
	missed int
}

// Supervisor watches traffic health and drives recovery
type Supervisor struct {
	config    Config
	recoverer Recoverer
	activity  Activity
	enabled   EnabledSensors
	counters  *metric.Counters
	logger    *zap.Logger
	now       func() time.Time
	watched   sensor.Set

	mu            sync.Mutex
	state         State
	reason        string
	tracks        map[sensor.Type]*sensorTrack
	crashed       bool
	transportErrs int
	lastViolation time.Time
	lastRecovery  time.Time
	recoveries    int
	lastErr       error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a supervisor in the Healthy state
func New(config Config, recoverer Recoverer, activity Activity, enabled EnabledSensors, counters *metric.Counters, logger *zap.Logger) *Supervisor {
	def := DefaultConfig()
	if config.Period <= 0 {
		config.Period = def.Period
	}
	if config.MissedTicks <= 0 {
		config.MissedTicks = def.MissedTicks
	}
	if config.TimeoutThreshold <= 0 {
		config.TimeoutThreshold = def.TimeoutThreshold
	}
	if config.ViolationWindow <= 0 {
		config.ViolationWindow = def.ViolationWindow
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watched := sensor.NewSet(config.Continuous...)
	if len(config.Continuous) == 0 {
		for _, t := range sensor.All() {
			if !t.OnChange() {
				watched.Add(t)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		config:    config,
		recoverer: recoverer,
		activity:  activity,
		enabled:   enabled,
		counters:  counters,
		logger:    logger.With(zap.String("component", "watchdog")),
		now:       time.Now,
		watched:   watched,
		tracks:    make(map[sensor.Type]*sensorTrack),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a diagnostics snapshot
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state.String(),
		Reason:       s.reason,
		Recoveries:   s.recoveries,
		LastRecovery: s.lastRecovery,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Run ticks every period until ctx ends
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Period)
	defer ticker.Stop()

	s.logger.Info("Watchdog started", zap.Duration("period", s.config.Period))
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick samples sensor activity and re-evaluates health. It reports whether
// a recovery was started.
func (s *Supervisor) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Recovering {
		return false
	}
	s.sampleSensors()
	started := s.evaluate(now)
	s.transportErrs = 0
	return started
}

// CheckNow re-evaluates timeouts and crash notices without counting a tick
func (s *Supervisor) CheckNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Recovering {
		return
	}
	s.evaluate(s.now())
}

// sampleSensors advances the missed-tick count of every watched sensor
func (s *Supervisor) sampleSensors() {
	if s.activity == nil || s.enabled == nil {
		return
	}
	on := sensor.NewSet(s.enabled.EnabledTypes()...)
	for t := range s.tracks {
		if !on.Has(t) {
			delete(s.tracks, t)
		}
	}
	for _, t := range on.Types() {
		if !s.watched.Has(t) {
			continue
		}
		cur := s.activity.Reported(t)
		tr, ok := s.tracks[t]
		if !ok {
			s.tracks[t] = &sensorTrack{last: cur}
			continue
		}
		if cur != tr.last {
			tr.last, tr.missed = cur, 0
			continue
		}
		tr.missed++
		if tr.missed == s.config.MissedTicks {
			s.counters.IncNoResponseSensor()
			s.logger.Warn("Sensor stopped reporting",
				zap.Stringer("sensor", t),
				zap.Int("missed_ticks", tr.missed),
			)
		}
	}
}

// suspicion names the first reason to distrust the link, or ""
func (s *Supervisor) suspicion() string {
	if s.crashed {
		return "peer crashed"
	}
	if n := s.counters.ConsecutiveTimeouts(); n >= int64(s.config.TimeoutThreshold) {
		return fmt.Sprintf("%d consecutive timeouts", n)
	}
	if s.transportErrs >= s.config.TimeoutThreshold {
		return fmt.Sprintf("%d transport errors", s.transportErrs)
	}
	for t, tr := range s.tracks {
		if tr.missed >= s.config.MissedTicks {
			return fmt.Sprintf("%s silent for %d ticks", t, tr.missed)
		}
	}
	return ""
}

func (s *Supervisor) evaluate(now time.Time) bool {
	reason := s.suspicion()
	if reason == "" {
		if s.state == Suspect {
			s.logger.Info("Link healthy again")
		}
		s.state, s.reason = Healthy, ""
		return false
	}

	if s.state == Healthy {
		s.logger.Warn("Link suspect", zap.String("reason", reason))
	}
	s.state, s.reason = Suspect, reason

	if !s.lastRecovery.IsZero() && now.Sub(s.lastRecovery) < s.config.Cooldown {
		return false
	}
	s.startRecovery(now, reason)
	return true
}

// startRecovery must be called with mu held
func (s *Supervisor) startRecovery(now time.Time, reason string) {
	s.state, s.reason = Recovering, reason
	s.lastRecovery = now
	s.recoveries++
	s.counters.IncReset()
	s.logger.Warn("Starting recovery", zap.String("reason", reason), zap.Int("recoveries", s.recoveries))

	if s.recoverer == nil {
		s.finishRecovery(nil)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.config.RecoveryTimeout)
		defer cancel()
		err := s.recoverer.Recover(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.finishRecovery(err)
	}()
}

func (s *Supervisor) finishRecovery(err error) {
	s.lastErr = err
	s.crashed = false
	s.transportErrs = 0
	s.tracks = make(map[sensor.Type]*sensorTrack)
	if err != nil {
		s.state = Suspect
		s.logger.Error("Recovery failed", zap.Error(err))
		return
	}
	s.state, s.reason = Healthy, ""
	s.logger.Info("Recovery complete")
}

// NotifyCrashed records an out-of-band crash notice from the bridge
func (s *Supervisor) NotifyCrashed() {
	s.mu.Lock()
	s.crashed = true
	s.mu.Unlock()
	s.logger.Warn("Peer crash reported", zap.Error(ErrPeerCrashed))
	s.CheckNow()
}

// ReportViolation records a protocol violation. Two inside the violation
// window mean the peer state is corrupt and recovery starts at once,
// regardless of the cooldown.
func (s *Supervisor) ReportViolation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev := s.lastViolation
	s.lastViolation = now
	s.logger.Warn("Protocol violation", zap.Error(err))

	if prev.IsZero() || now.Sub(prev) > s.config.ViolationWindow {
		return
	}
	if s.state == Recovering {
		return
	}
	s.lastViolation = time.Time{}
	s.startRecovery(now, "repeated protocol violations")
}

// OnTimeout implements engine.Observer
func (s *Supervisor) OnTimeout(key pending.Key) {
	s.logger.Debug("Timeout observed", zap.Stringer("key", key))
}

// OnTransportError implements engine.Observer
func (s *Supervisor) OnTransportError(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportErrs++
}

// OnViolation implements engine.Observer
func (s *Supervisor) OnViolation(err error) {
	s.ReportViolation(err)
}

// Wait blocks until a running recovery finishes
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close stops the supervisor and any recovery in flight
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}
