package transport

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy параметры переподключения
type ReconnectPolicy struct {
	InitialDelay time.Duration // Задержка перед первой повторной попыткой
	MaxDelay     time.Duration // Верхняя граница задержки
	Multiplier   float64       // Множитель экспоненциального отката
	JitterFactor float64       // Доля случайного разброса (0.0 - 1.0)

	// MaxAttempts число неудачных попыток подряд, после которого транспорт
	// сдается и переходит в DISCONNECTED. 0 - без ограничения.
	MaxAttempts int

	ConnectTimeout    time.Duration // Ограничение на одну попытку подключения
	UnregisterTimeout time.Duration // Ограничение на unregister при отключении
	StopTimeout       time.Duration // Ограничение на остановку движка
}

// DefaultReconnectPolicy возвращает политику по умолчанию
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		MaxAttempts:       0,
		ConnectTimeout:    10 * time.Second,
		UnregisterTimeout: 5 * time.Second,
		StopTimeout:       5 * time.Second,
	}
}

// withDefaults заполняет незаданные поля значениями по умолчанию
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = def.ConnectTimeout
	}
	if p.UnregisterTimeout <= 0 {
		p.UnregisterTimeout = def.UnregisterTimeout
	}
	if p.StopTimeout <= 0 {
		p.StopTimeout = def.StopTimeout
	}
	return p
}

// Delay возвращает задержку перед попыткой после failures неудач подряд.
// Первая повторная попытка ждет InitialDelay.
func (p ReconnectPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(failures-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor
		delay = delay - jitter + rand.Float64()*2*jitter
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// Exhausted сообщает, что после failures неудач попытки прекращаются
func (p ReconnectPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
