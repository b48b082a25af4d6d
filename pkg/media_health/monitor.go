package media_health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/metrics"
)

var (
	// ErrNoAudio - за отведенное время не отправлено ни одного аудио пакета
	ErrNoAudio = errors.New("no outbound audio packets")

	// ErrMediaFailed - медиа соединение перешло в состояние failed
	ErrMediaFailed = errors.New("media connection failed")

	// ErrNoPeerConnection - у обработчика медиа нет соединения
	ErrNoPeerConnection = errors.New("no peer connection available")
)

const (
	DefaultCheckInterval  = 1 * time.Second
	DefaultNoAudioTimeout = 10 * time.Second
)

// Options параметры проверки аудио
type Options struct {
	CheckInterval  time.Duration
	NoAudioTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.NoAudioTimeout <= 0 {
		o.NoAudioTimeout = DefaultNoAudioTimeout
	}
	return o
}

// Capabilities возможности медиа стека
type Capabilities struct {
	// NativeConnectionState - соединение сообщает агрегированное состояние
	NativeConnectionState bool
}

// Option настраивает Monitor
type Option func(*Monitor)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

// WithClock задает источник времени
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = clk
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) {
		m.metrics = c
	}
}

// Monitor создает проверки аудио для звонков
type Monitor struct {
	caps    Capabilities
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Collector
}

// NewMonitor создает монитор для медиа стека с возможностями caps
func NewMonitor(caps Capabilities, opts ...Option) *Monitor {
	m := &Monitor{
		caps:  caps,
		log:   zerolog.Nop(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "audio-health").Logger()
	return m
}

// Check начинает проверку аудио звонка
func (m *Monitor) Check(call CallSession, opts Options) *Check {
	c := &Check{
		monitor: m,
		opts:    opts.withDefaults(),
		done:    make(chan struct{}),
		log:     m.log,
	}
	if identified, ok := call.(interface{ ID() string }); ok {
		c.log = c.log.With().Str("call_id", identified.ID()).Logger()
	}

	c.addCleanup(call.OnTerminated(c.cancel))

	if h := call.MediaHandler(); h != nil {
		c.attach(h)
		return c
	}

	c.addCleanup(call.OnMediaHandler(func(h MediaHandler, provisional bool) {
		if provisional {
			return
		}
		c.attach(h)
	}))

	return c
}

// strategyFor выбирает стратегию для соединения
func (m *Monitor) strategyFor(pc PeerConnection, opts Options) Strategy {
	if m.caps.NativeConnectionState {
		if _, ok := pc.(ConnectionStateSource); ok {
			return NativeSignalStrategy{}
		}
	}
	return &PollingStrategy{
		Interval: opts.CheckInterval,
		Timeout:  opts.NoAudioTimeout,
		Clock:    m.clock,
	}
}

// State состояние проверки
type State int

const (
	StatePending State = iota
	StateResolved
	StateRejected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Check - одна проверка аудио звонка
type Check struct {
	monitor *Monitor
	opts    Options
	log     zerolog.Logger
	done    chan struct{}

	mu       sync.Mutex
	state    State
	err      error
	mode     string
	attached bool
	cleanups []func()
}

// Done закрывается при получении результата. Отмененная проверка
// Done не закрывает.
func (c *Check) Done() <-chan struct{} {
	return c.done
}

// Err результат проверки: nil пока проверка идет или аудио обнаружено
func (c *Check) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State текущее состояние проверки
func (c *Check) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode выбранный режим обнаружения или пустая строка до подключения
func (c *Check) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Wait ждет результата или отмены ctx
func (c *Check) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop отменяет проверку без результата
func (c *Check) Stop() {
	c.cancel()
}

// attach подключает стратегию к обработчику медиа. Выполняется один раз.
func (c *Check) attach(h MediaHandler) {
	c.mu.Lock()
	if c.state != StatePending || c.attached {
		c.mu.Unlock()
		return
	}
	c.attached = true
	c.mu.Unlock()

	pc := h.PeerConnection()
	if pc == nil {
		c.settle(ErrNoPeerConnection)
		return
	}

	strategy := c.monitor.strategyFor(pc, c.opts)

	c.mu.Lock()
	c.mode = strategy.Mode()
	c.mu.Unlock()

	c.log.Debug().Str("mode", strategy.Mode()).Msg("Audio check attached")
	c.addCleanup(strategy.Start(pc, c.settle))
}

// settle фиксирует результат. Первый вызов выигрывает.
func (c *Check) settle(err error) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = StateRejected
		c.err = err
	} else {
		c.state = StateResolved
	}
	mode := c.mode
	cleanups := c.cleanups
	c.cleanups = nil
	close(c.done)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("mode", mode).Msg("Audio check failed")
		c.monitor.metrics.AudioCheck(mode, "rejected")
	} else {
		c.log.Debug().Str("mode", mode).Msg("Audio detected")
		c.monitor.metrics.AudioCheck(mode, "resolved")
	}

	runCleanups(cleanups)
}

// cancel останавливает таймеры и наблюдателей без результата
func (c *Check) cancel() {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateCancelled
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	c.log.Debug().Msg("Audio check cancelled")
	runCleanups(cleanups)
}

// addCleanup добавляет функцию очистки. Для завершенной проверки
// функция выполняется сразу.
func (c *Check) addCleanup(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		fn()
		return
	}
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

func runCleanups(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
