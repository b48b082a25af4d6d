package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/health"
	"github.com/arzzra/phone_link/pkg/metrics"
)

// Config параметры транспорта
type Config struct {
	// Register выполнять регистрацию после подключения
	Register bool
	Health   health.Config
	Policy   ReconnectPolicy
}

// DisconnectOptions параметры отключения
type DisconnectOptions struct {
	// HasRegistered - абонент был зарегистрирован, перед остановкой
	// нужно снять регистрацию
	HasRegistered bool
}

// StatusObserver получает новые статусы соединения
type StatusObserver func(status ConnectionStatus)

// ReconnectedHook вызывается после восстановления соединения со списком
// ключей восстановленных подписок
type ReconnectedHook func(keys []string)

// Option настраивает Transport
type Option func(*Transport)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// WithClock задает источник времени для таймеров
func WithClock(clk clock.Clock) Option {
	return func(t *Transport) {
		t.clock = clk
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

type statusEntry struct {
	id uint64
	fn StatusObserver
}

type hookEntry struct {
	id uint64
	fn ReconnectedHook
}

// Transport - сигнальное соединение с автоматическим восстановлением
type Transport struct {
	factory EngineFactory
	cfg     Config
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Collector
	subs    *SubscriptionRegistry
	fsm     *fsm.FSM

	// opMu - одна логическая операция за раз
	opMu sync.Mutex

	// mu защищает поля ниже. Берется после opMu, если нужны оба.
	mu            sync.Mutex
	engine        Engine
	checker       *health.Checker
	registered    bool
	recovering    bool
	failures      int
	epoch         uint64
	cancelConnect context.CancelFunc
	retryTimer    *clock.Timer
	regTimer      *clock.Timer

	obsMu     sync.Mutex
	nextID    uint64
	observers []statusEntry
	hooks     []hookEntry
}

// New создает транспорт в статусе DISCONNECTED
func New(factory EngineFactory, cfg Config, opts ...Option) *Transport {
	t := &Transport{
		factory: factory,
		cfg:     cfg,
		log:     zerolog.Nop(),
		clock:   clock.New(),
		subs:    NewSubscriptionRegistry(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cfg.Policy = t.cfg.Policy.withDefaults()
	t.log = t.log.With().Str("component", "transport").Logger()

	t.fsm = fsm.NewFSM(
		StatusDisconnected.String(),
		fsm.Events{
			{Name: evConnect, Src: []string{StatusDisconnected.String(), StatusReconnecting.String()}, Dst: StatusConnecting.String()},
			{Name: evConnected, Src: []string{StatusConnecting.String()}, Dst: StatusConnected.String()},
			{Name: evRetry, Src: []string{StatusConnecting.String(), StatusConnected.String()}, Dst: StatusReconnecting.String()},
			{Name: evGiveUp, Src: []string{StatusConnecting.String(), StatusReconnecting.String()}, Dst: StatusDisconnected.String()},
			{Name: evDisconnect, Src: []string{StatusConnecting.String(), StatusConnected.String(), StatusReconnecting.String()}, Dst: StatusDisconnecting.String()},
			{Name: evStopped, Src: []string{StatusDisconnecting.String()}, Dst: StatusDisconnected.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.handleStateChange(e)
			},
		},
	)

	return t
}

// Status текущий статус соединения
func (t *Transport) Status() ConnectionStatus {
	return ConnectionStatus(t.fsm.Current())
}

// Registered сообщает, зарегистрирован ли абонент в текущей сессии
func (t *Transport) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered
}

// Subscriptions реестр активных подписок
func (t *Transport) Subscriptions() *SubscriptionRegistry {
	return t.subs
}

// OnStatus добавляет наблюдателя статусов. Возвращает функцию удаления.
//
// Наблюдатель вызывается синхронно внутри операции транспорта и не должен
// синхронно вызывать Connect, Disconnect или Subscribe.
func (t *Transport) OnStatus(fn StatusObserver) func() {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	t.nextID++
	id := t.nextID
	t.observers = append(t.observers, statusEntry{id: id, fn: fn})

	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		for i, o := range t.observers {
			if o.id == id {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

// OnReconnected добавляет хук, вызываемый после восстановления соединения
func (t *Transport) OnReconnected(fn ReconnectedHook) func() {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	t.nextID++
	id := t.nextID
	t.hooks = append(t.hooks, hookEntry{id: id, fn: fn})

	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		for i, h := range t.hooks {
			if h.id == id {
				t.hooks = append(t.hooks[:i:i], t.hooks[i+1:]...)
				return
			}
		}
	}
}

// Connect подключается и регистрирует абонента.
//
// В статусах CONNECTING и CONNECTED ничего не делает. Ошибка первой попытки
// возвращается вызывающему, при этом повторная попытка уже запланирована
// согласно ReconnectPolicy.
func (t *Transport) Connect(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	switch t.Status() {
	case StatusConnecting, StatusConnected:
		return nil
	}

	t.mu.Lock()
	t.stopRetryLocked()
	t.failures = 0
	epoch := t.epoch
	t.mu.Unlock()

	return t.attempt(ctx, epoch)
}

// Disconnect снимает регистрацию (если HasRegistered) и закрывает транспорт.
//
// Отменяет текущую попытку подключения и запланированный повтор. Ошибки
// сервера логируются и не возвращаются. В статусе DISCONNECTED ничего
// не делает.
func (t *Transport) Disconnect(ctx context.Context, opts DisconnectOptions) error {
	t.mu.Lock()
	t.epoch++
	if t.cancelConnect != nil {
		t.cancelConnect()
		t.cancelConnect = nil
	}
	t.stopRetryLocked()
	t.mu.Unlock()

	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.Status() == StatusDisconnected {
		t.log.Info().Msg("Already disconnected.")
		return nil
	}

	t.fire(evDisconnect)

	t.mu.Lock()
	engine := t.engine
	checker := t.checker
	t.checker = nil
	if t.regTimer != nil {
		t.regTimer.Stop()
		t.regTimer = nil
	}
	t.mu.Unlock()

	if checker != nil {
		checker.Stop()
	}
	t.subs.Clear()

	if engine != nil {
		if opts.HasRegistered {
			uctx, cancel := context.WithTimeout(ctx, t.cfg.Policy.UnregisterTimeout)
			if err := engine.Unregister(uctx); err != nil {
				t.log.Warn().Err(err).Msg("Unregister failed, continuing disconnect")
				t.metrics.UnregisterFailed()
			}
			cancel()
		}
		t.stopEngine(ctx, engine)
	}

	t.mu.Lock()
	t.engine = nil
	t.registered = false
	t.recovering = false
	t.failures = 0
	t.mu.Unlock()
	t.subs.Clear()

	t.fire(evStopped)
	return nil
}

// Subscribe оформляет подписку через текущий движок и сохраняет ее по ключу.
// Подписка с тем же ключом заменяется, старая отменяется.
func (t *Transport) Subscribe(ctx context.Context, key, target string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.Status() != StatusConnected {
		return ErrNotConnected
	}

	t.mu.Lock()
	engine := t.engine
	t.mu.Unlock()

	subscriber, ok := engine.(Subscriber)
	if !ok {
		return ErrSubscribeUnsupported
	}

	sub, err := subscriber.Subscribe(ctx, target)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", target)
	}

	if prev, ok := t.subs.Add(key, sub); ok {
		if err := prev.Terminate(ctx); err != nil {
			t.log.Warn().Err(err).Str("key", key).Msg("Failed to terminate replaced subscription")
		}
	}
	return nil
}

// Unsubscribe отменяет подписку по ключу. Неизвестный ключ не ошибка.
func (t *Transport) Unsubscribe(ctx context.Context, key string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	sub, ok := t.subs.Remove(key)
	if !ok {
		return nil
	}
	if t.Status() != StatusConnected {
		return nil
	}
	return errors.Wrapf(sub.Terminate(ctx), "unsubscribe %s", key)
}

// attempt выполняет одну попытку подключения. Вызывается под opMu.
func (t *Transport) attempt(ctx context.Context, epoch uint64) error {
	engine, err := t.factory(t.log.With().Str("session_id", uuid.NewString()).Logger())
	if err != nil {
		cause := errors.Wrap(ErrEngineUnavailable, err.Error())
		if t.Status() == StatusReconnecting {
			// Повтор уже идет: неудача считается как обычная попытка
			return t.retryOrGiveUp(epoch, cause)
		}
		return cause
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.Policy.ConnectTimeout)
	defer cancel()

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		t.stopEngine(ctx, engine)
		return context.Canceled
	}
	t.engine = engine
	t.cancelConnect = cancel
	t.mu.Unlock()

	t.fire(evConnect)

	engine.OnConnectionLost(func(err error) {
		go t.handleLoss(engine, err)
	})

	if err := engine.Connect(cctx); err != nil {
		return t.attemptFailed(ctx, engine, epoch, errors.Wrap(err, "connect"))
	}

	var regErr error
	if t.cfg.Register {
		regErr = engine.Register(cctx)
	}

	t.mu.Lock()
	if t.epoch != epoch {
		// Disconnect ждет opMu и закроет движок сам
		t.mu.Unlock()
		return context.Canceled
	}
	t.cancelConnect = nil
	t.failures = 0
	t.registered = t.cfg.Register && regErr == nil
	recovering := t.recovering
	t.recovering = false
	t.mu.Unlock()

	t.fire(evConnected)
	t.startChecker(engine)

	if regErr != nil {
		t.log.Warn().Err(regErr).Msg("Registration failed, transport stays connected")
		t.metrics.RegisterFailed()
		t.scheduleRegister(engine, epoch, 1)
	}

	if recovering {
		t.restoreSubscriptions(ctx, engine)
	}

	return nil
}

// attemptFailed закрывает движок неудачной попытки и планирует повтор
func (t *Transport) attemptFailed(ctx context.Context, engine Engine, epoch uint64, cause error) error {
	t.stopEngine(ctx, engine)

	t.mu.Lock()
	t.engine = nil
	t.cancelConnect = nil
	t.mu.Unlock()

	return t.retryOrGiveUp(epoch, cause)
}

// retryOrGiveUp учитывает неудачную попытку: планирует следующую или,
// если политика исчерпана, переводит транспорт в DISCONNECTED
func (t *Transport) retryOrGiveUp(epoch uint64, cause error) error {
	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return cause
	}
	t.failures++
	failures := t.failures
	t.mu.Unlock()

	if t.cfg.Policy.Exhausted(failures) {
		t.log.Error().Err(cause).Int("attempts", failures).Msg("Connect attempts exhausted")
		t.mu.Lock()
		t.recovering = false
		t.mu.Unlock()
		t.subs.Clear()
		t.fire(evGiveUp)
		return cause
	}

	delay := t.cfg.Policy.Delay(failures)
	t.log.Warn().Err(cause).Int("attempt", failures).Dur("retry_in", delay).Msg("Connect attempt failed")

	// Таймер взводится до перехода: наблюдатель RECONNECTING уже видит
	// запланированную попытку. Сама попытка ждет opMu.
	t.scheduleRetry(epoch, delay)
	if t.Status() != StatusReconnecting {
		t.fire(evRetry)
	}
	return cause
}

// handleLoss реагирует на неожиданную потерю связи движком
func (t *Transport) handleLoss(engine Engine, cause error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.engine != engine || t.Status() != StatusConnected {
		t.mu.Unlock()
		return
	}
	checker := t.checker
	t.checker = nil
	if t.regTimer != nil {
		t.regTimer.Stop()
		t.regTimer = nil
	}
	t.engine = nil
	t.registered = false
	t.recovering = true
	t.failures = 0
	epoch := t.epoch
	t.mu.Unlock()

	t.log.Warn().Err(cause).Msg("Connection lost, reconnecting")

	if checker != nil {
		checker.Stop()
	}
	t.stopEngine(context.Background(), engine)

	t.scheduleRetry(epoch, t.cfg.Policy.Delay(1))
	t.fire(evRetry)
}

func (t *Transport) scheduleRetry(epoch uint64, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epoch != epoch {
		return
	}
	t.stopRetryLocked()
	t.retryTimer = t.clock.AfterFunc(delay, func() {
		t.retry(epoch)
	})
	t.metrics.ReconnectScheduled()
}

// retry выполняет запланированную попытку переподключения
func (t *Transport) retry(epoch uint64) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	t.retryTimer = nil
	t.mu.Unlock()

	if t.Status() != StatusReconnecting {
		return
	}

	if err := t.attempt(context.Background(), epoch); err != nil {
		t.log.Debug().Err(err).Msg("Reconnect attempt finished with error")
	}
}

func (t *Transport) stopRetryLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

// scheduleRegister планирует повтор регистрации на живом транспорте
func (t *Transport) scheduleRegister(engine Engine, epoch uint64, failures int) {
	if t.cfg.Policy.Exhausted(failures) {
		t.log.Error().Int("attempts", failures).Msg("Registration attempts exhausted")
		return
	}

	delay := t.cfg.Policy.Delay(failures)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch || t.engine != engine {
		return
	}
	t.regTimer = t.clock.AfterFunc(delay, func() {
		t.reregister(engine, epoch, failures)
	})
}

func (t *Transport) reregister(engine Engine, epoch uint64, failures int) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.epoch != epoch || t.engine != engine || t.Status() != StatusConnected {
		t.mu.Unlock()
		return
	}
	t.regTimer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Policy.ConnectTimeout)
	defer cancel()

	if err := engine.Register(ctx); err != nil {
		t.log.Warn().Err(err).Int("attempt", failures+1).Msg("Registration retry failed")
		t.metrics.RegisterFailed()
		t.scheduleRegister(engine, epoch, failures+1)
		return
	}

	t.mu.Lock()
	t.registered = true
	t.mu.Unlock()
	t.log.Info().Msg("Registered after retry")
}

func (t *Transport) startChecker(engine Engine) {
	checker := health.New(engine,
		health.WithConfig(t.cfg.Health),
		health.WithLogger(t.log),
		health.WithClock(t.clock),
		health.WithMetrics(t.metrics),
	)

	t.mu.Lock()
	t.checker = checker
	t.mu.Unlock()

	checker.Start()
}

// restoreSubscriptions оформляет сохраненные подписки заново через новый
// движок и вызывает хуки восстановления
func (t *Transport) restoreSubscriptions(ctx context.Context, engine Engine) {
	keys := t.subs.Keys()
	restored := make([]string, 0, len(keys))

	subscriber, ok := engine.(Subscriber)
	for _, key := range keys {
		old, exists := t.subs.Get(key)
		if !exists {
			continue
		}
		if !ok {
			t.subs.Remove(key)
			continue
		}
		sub, err := subscriber.Subscribe(ctx, old.Target())
		if err != nil {
			t.log.Warn().Err(err).Str("key", key).Msg("Failed to restore subscription")
			t.subs.Remove(key)
			continue
		}
		t.subs.Add(key, sub)
		restored = append(restored, key)
	}

	t.obsMu.Lock()
	hooks := make([]hookEntry, len(t.hooks))
	copy(hooks, t.hooks)
	t.obsMu.Unlock()

	for _, h := range hooks {
		h.fn(restored)
	}
}

func (t *Transport) stopEngine(ctx context.Context, engine Engine) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Policy.StopTimeout)
	defer cancel()
	if err := engine.Stop(sctx); err != nil {
		t.log.Warn().Err(err).Msg("Failed to stop signaling engine")
	}
}

// fire выполняет переход конечного автомата
func (t *Transport) fire(event string) {
	// Контекст перехода не связан с контекстом операции: отмененный
	// контекст в looplab/fsm прерывает переход
	if err := t.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			t.log.Error().Err(err).Str("event", event).Str("status", t.fsm.Current()).Msg("Invalid status transition")
		}
	}
}

// handleStateChange рассылает новый статус наблюдателям
func (t *Transport) handleStateChange(e *fsm.Event) {
	status := ConnectionStatus(e.Dst)

	t.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Status changed")
	t.metrics.StatusTransition(status.String())

	t.obsMu.Lock()
	observers := make([]statusEntry, len(t.observers))
	copy(observers, t.observers)
	t.obsMu.Unlock()

	for _, o := range observers {
		o.fn(status)
	}
}
