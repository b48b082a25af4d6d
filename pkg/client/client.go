package client

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/media_health"
	"github.com/arzzra/phone_link/pkg/metrics"
	"github.com/arzzra/phone_link/pkg/transport"
)

var (
	// ErrUnsupportedEnvironment - в окружении нет медиа стека
	ErrUnsupportedEnvironment = errors.New("unsupported_environment")

	// ErrNoEngineFactory - не задана фабрика сигнальных движков
	ErrNoEngineFactory = errors.New("engine factory is required")
)

// Capabilities возможности окружения. Вычисляются один раз при запуске.
type Capabilities struct {
	// MediaEngine - медиа стек доступен
	MediaEngine bool
	// NativeConnectionState - соединения сообщают агрегированное состояние
	NativeConnectionState bool
}

// DetectCapabilities проверяет медиа стек pion
func DetectCapabilities() Capabilities {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return Capabilities{}
	}
	return Capabilities{
		MediaEngine:           true,
		NativeConnectionState: true,
	}
}

// Config настройки клиента
type Config struct {
	Transport transport.Config
	Audio     media_health.Options
}

// Client - фасад для приложения
type Client interface {
	// Connect подключается и регистрируется. Повторный вызов ничего не делает.
	Connect(ctx context.Context) error

	// Disconnect отключается, снимая регистрацию, если она была
	Disconnect(ctx context.Context) error

	// DisconnectWith отключается с явными параметрами
	DisconnectWith(ctx context.Context, opts transport.DisconnectOptions) error

	// Status текущий статус соединения
	Status() transport.ConnectionStatus

	// OnStatusUpdate добавляет наблюдателя статусов, возвращает функцию удаления
	OnStatusUpdate(fn transport.StatusObserver) func()

	// OnReconnected добавляет хук восстановления соединения
	OnReconnected(fn transport.ReconnectedHook) func()

	Subscribe(ctx context.Context, key, target string) error
	Unsubscribe(ctx context.Context, key string) error

	// CheckAudio начинает проверку аудио звонка. Нулевые поля opts
	// берутся из конфигурации клиента.
	CheckAudio(call media_health.CallSession, opts media_health.Options) *media_health.Check

	// Config копия настроек
	Config() Config

	// Capabilities возможности окружения
	Capabilities() Capabilities
}

// Option настраивает клиента
type Option func(*options)

type options struct {
	factory transport.EngineFactory
	cfg     Config
	caps    *Capabilities
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Collector
}

// WithEngineFactory задает фабрику сигнальных движков (обязательно)
func WithEngineFactory(f transport.EngineFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithConfig задает настройки
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithCapabilities задает возможности окружения вместо DetectCapabilities
func WithCapabilities(caps Capabilities) Option {
	return func(o *options) {
		o.caps = &caps
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

type clientImpl struct {
	cfg       Config
	caps      Capabilities
	log       zerolog.Logger
	transport *transport.Transport
	monitor   *media_health.Monitor
}

var _ Client = (*clientImpl)(nil)

// New создает клиента. Без медиа стека возвращает ErrUnsupportedEnvironment.
func New(opts ...Option) (Client, error) {
	o := options{
		log:   zerolog.Nop(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	caps := DetectCapabilities()
	if o.caps != nil {
		caps = *o.caps
	}
	if !caps.MediaEngine {
		return nil, ErrUnsupportedEnvironment
	}
	if o.factory == nil {
		return nil, ErrNoEngineFactory
	}

	log := o.log.With().Str("component", "client").Logger()

	c := &clientImpl{
		cfg:  o.cfg,
		caps: caps,
		log:  log,
		transport: transport.New(o.factory, o.cfg.Transport,
			transport.WithLogger(o.log),
			transport.WithClock(o.clock),
			transport.WithMetrics(o.metrics),
		),
		monitor: media_health.NewMonitor(
			media_health.Capabilities{NativeConnectionState: caps.NativeConnectionState},
			media_health.WithLogger(o.log),
			media_health.WithClock(o.clock),
			media_health.WithMetrics(o.metrics),
		),
	}

	c.transport.OnReconnected(func(keys []string) {
		c.log.Info().Strs("subscriptions", keys).Msg("Connection restored")
	})

	return c, nil
}

func (c *clientImpl) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

func (c *clientImpl) Disconnect(ctx context.Context) error {
	return c.transport.Disconnect(ctx, transport.DisconnectOptions{
		HasRegistered: c.transport.Registered(),
	})
}

func (c *clientImpl) DisconnectWith(ctx context.Context, opts transport.DisconnectOptions) error {
	return c.transport.Disconnect(ctx, opts)
}

func (c *clientImpl) Status() transport.ConnectionStatus {
	return c.transport.Status()
}

func (c *clientImpl) OnStatusUpdate(fn transport.StatusObserver) func() {
	return c.transport.OnStatus(fn)
}

func (c *clientImpl) OnReconnected(fn transport.ReconnectedHook) func() {
	return c.transport.OnReconnected(fn)
}

func (c *clientImpl) Subscribe(ctx context.Context, key, target string) error {
	return c.transport.Subscribe(ctx, key, target)
}

func (c *clientImpl) Unsubscribe(ctx context.Context, key string) error {
	return c.transport.Unsubscribe(ctx, key)
}

func (c *clientImpl) CheckAudio(call media_health.CallSession, opts media_health.Options) *media_health.Check {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = c.cfg.Audio.CheckInterval
	}
	if opts.NoAudioTimeout <= 0 {
		opts.NoAudioTimeout = c.cfg.Audio.NoAudioTimeout
	}
	return c.monitor.Check(call, opts)
}

func (c *clientImpl) Config() Config {
	return c.cfg
}

func (c *clientImpl) Capabilities() Capabilities {
	return c.caps
}
