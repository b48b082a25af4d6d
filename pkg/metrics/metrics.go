package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultNamespace префикс всех метрик
	DefaultNamespace = "phone_link"
)

// Результаты пробы для метки result
const (
	ProbeOK      = "ok"
	ProbeError   = "error"
	ProbeTimeout = "timeout"
)

// Collector собирает метрики всех компонентов.
//
// Создается один раз на процесс (или на тест) и передается в компоненты
// через их опции. Регистрация выполняется в переданном prometheus.Registerer,
// что позволяет использовать изолированные реестры в тестах.
type Collector struct {
	statusTransitions  *prometheus.CounterVec
	reconnectAttempts  prometheus.Counter
	unregisterFailures prometheus.Counter
	registerFailures   prometheus.Counter

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	forcedDrops   prometheus.Counter

	audioChecks *prometheus.CounterVec
}

// Config конфигурация сборщика метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Registerer реестр для регистрации. nil - prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// New создает и регистрирует сборщик метрик
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registerer)

	c := &Collector{}

	// Транспорт
	c.statusTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transport",
		Name:      "status_transitions_total",
		Help:      "Total number of connection status transitions by target status",
	}, []string{"to"})

	c.reconnectAttempts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transport",
		Name:      "reconnect_attempts_total",
		Help:      "Total number of scheduled reconnect attempts",
	})

	c.unregisterFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transport",
		Name:      "unregister_failures_total",
		Help:      "Unregistrations that failed during teardown",
	})

	c.registerFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transport",
		Name:      "register_failures_total",
		Help:      "Registrations that failed on a live transport",
	})

	// Health checker
	c.probes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "health",
		Name:      "probes_total",
		Help:      "Liveness probes by result",
	}, []string{"result"})

	c.probeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Round trip time of answered liveness probes",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	c.forcedDrops = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "health",
		Name:      "forced_disconnects_total",
		Help:      "Transport disconnects forced by unanswered probes",
	})

	// Аудио
	c.audioChecks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "audio",
		Name:      "checks_total",
		Help:      "Audio health checks by detection mode and result",
	}, []string{"mode", "result"})

	return c
}

// StatusTransition учитывает переход в статус to
func (c *Collector) StatusTransition(to string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(to).Inc()
}

// ReconnectScheduled учитывает запланированную попытку переподключения
func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

// UnregisterFailed учитывает неудачный unregister при отключении
func (c *Collector) UnregisterFailed() {
	if c == nil {
		return
	}
	c.unregisterFailures.Inc()
}

// RegisterFailed учитывает неудачную регистрацию
func (c *Collector) RegisterFailed() {
	if c == nil {
		return
	}
	c.registerFailures.Inc()
}

// Probe учитывает результат пробы. Длительность пишется только для ответов.
func (c *Collector) Probe(result string, rtt time.Duration) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(result).Inc()
	if result == ProbeOK {
		c.probeDuration.Observe(rtt.Seconds())
	}
}

// ForcedDisconnect учитывает принудительный разрыв транспорта
func (c *Collector) ForcedDisconnect() {
	if c == nil {
		return
	}
	c.forcedDrops.Inc()
}

// AudioCheck учитывает завершение проверки аудио
func (c *Collector) AudioCheck(mode, result string) {
	if c == nil {
		return
	}
	c.audioChecks.WithLabelValues(mode, result).Inc()
}
