package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/metrics"
)

const (
	// DefaultDeadline время ожидания ответа на пробу
	DefaultDeadline = 2000 * time.Millisecond
	// DefaultInterval пауза между успешной пробой и следующей
	DefaultInterval = 22000 * time.Millisecond
	// dropTimeout ограничивает принудительный разрыв транспорта
	dropTimeout = 5 * time.Second
)

// ErrProbeTimeout - сервер не ответил на пробу в отведенное время
var ErrProbeTimeout = errors.New("no response to OPTIONS probe")

// Session - активная сигнальная сессия, через которую идут пробы.
//
// Checker только читает сессию: отправляет пробы и просит транспорт
// разорвать соединение. Внутреннее состояние сессии он не меняет.
type Session interface {
	// Ping отправляет пробу и блокируется до ответа или отмены ctx.
	// Любой финальный ответ сервера считается признаком живости.
	Ping(ctx context.Context) error

	// DropConnection разрывает сетевое соединение. Сессия сообщает об этом
	// своему владельцу как о неожиданной потере связи.
	DropConnection(ctx context.Context) error
}

// Config параметры проверки
type Config struct {
	Deadline time.Duration
	Interval time.Duration
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		Deadline: DefaultDeadline,
		Interval: DefaultInterval,
	}
}

// Option настраивает Checker
type Option func(*Checker)

// WithConfig задает интервалы проверки
func WithConfig(cfg Config) Option {
	return func(c *Checker) {
		if cfg.Deadline > 0 {
			c.cfg.Deadline = cfg.Deadline
		}
		if cfg.Interval > 0 {
			c.cfg.Interval = cfg.Interval
		}
	}
}

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(c *Checker) {
		c.log = l
	}
}

// WithClock задает источник времени
func WithClock(clk clock.Clock) Option {
	return func(c *Checker) {
		c.clock = clk
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// Checker проверяет живость одной сигнальной сессии.
//
// Время жизни Checker совпадает со временем жизни сессии: транспорт создает
// его после подключения и останавливает при разрыве или отключении.
//
// Каждый цикл пробы получает номер поколения. Stop и завершение цикла
// увеличивают номер, поэтому запоздавшие колбэки таймеров и ответы на
// старые пробы игнорируются.
type Checker struct {
	session Session
	cfg     Config
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Collector

	mu          sync.Mutex
	started     bool
	stopped     bool
	gen         uint64
	deadline    *clock.Timer // таймер ожидания ответа
	next        *clock.Timer // таймер следующей пробы
	cancelProbe context.CancelFunc
	probeStart  time.Time
	dropDone    chan struct{} // закрывается по завершении DropConnection
}

// New создает Checker для сессии
func New(session Session, opts ...Option) *Checker {
	c := &Checker{
		session: session,
		cfg:     DefaultConfig(),
		log:     zerolog.Nop(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "socket-health-checker").Logger()
	return c
}

// Config возвращает действующие параметры
func (c *Checker) Config() Config {
	return c.cfg
}

// Start запускает первую пробу. Повторный вызов и вызов после Stop
// ничего не делают.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true
	c.probeLocked()
}

// Stop отменяет запланированную пробу и таймер ожидания ответа.
//
// Идемпотентен. После возврата из Stop проверка не отправит ни одной пробы
// и не разорвет транспорт, даже если таймер уже стоял в очереди. Если разрыв
// уже выполняется, Stop ждет его завершения, поэтому Stop нельзя вызывать
// синхронно из DropConnection.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		c.gen++
		c.clearLocked()
	}
	done := c.dropDone
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Running сообщает, активна ли проверка
func (c *Checker) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// clearLocked останавливает таймеры и отменяет текущую пробу
func (c *Checker) clearLocked() {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	if c.next != nil {
		c.next.Stop()
		c.next = nil
	}
	if c.cancelProbe != nil {
		c.cancelProbe()
		c.cancelProbe = nil
	}
}

// probeLocked отправляет пробу и взводит таймер ожидания ответа
func (c *Checker) probeLocked() {
	c.gen++
	gen := c.gen

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelProbe = cancel
	c.next = nil
	c.probeStart = c.clock.Now()
	c.deadline = c.clock.AfterFunc(c.cfg.Deadline, func() {
		c.onDeadline(gen)
	})

	go func() {
		err := c.session.Ping(ctx)
		c.onReply(gen, err)
	}()
}

// scheduledProbe срабатывает по таймеру интервала
func (c *Checker) scheduledProbe(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || gen != c.gen {
		return
	}
	c.probeLocked()
}

func (c *Checker) onReply(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || gen != c.gen {
		return
	}

	if err != nil {
		// Ответа нет, решение примет таймер ожидания
		c.log.Warn().Err(err).Msg("OPTIONS probe failed, waiting for deadline")
		c.metrics.Probe(metrics.ProbeError, 0)
		return
	}

	c.metrics.Probe(metrics.ProbeOK, c.clock.Since(c.probeStart))
	c.clearLocked()

	c.gen++
	next := c.gen
	c.next = c.clock.AfterFunc(c.cfg.Interval, func() {
		c.scheduledProbe(next)
	})
}

func (c *Checker) onDeadline(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.clearLocked()
	done := make(chan struct{})
	c.dropDone = done
	c.mu.Unlock()

	defer close(done)

	c.log.Error().
		Err(ErrProbeTimeout).
		Dur("deadline", c.cfg.Deadline).
		Msg("No response after OPTIONS message to sip server.")
	c.metrics.Probe(metrics.ProbeTimeout, 0)
	c.metrics.ForcedDisconnect()

	ctx, cancel := context.WithTimeout(context.Background(), dropTimeout)
	defer cancel()
	if err := c.session.DropConnection(ctx); err != nil {
		c.log.Error().Err(err).Msg("Failed to disconnect transport")
	}
}
