package transport

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/health"
)

var (
	// ErrEngineUnavailable - сигнальный движок не удалось создать
	ErrEngineUnavailable = errors.New("signaling engine unavailable")

	// ErrNotConnected - операция требует активного соединения
	ErrNotConnected = errors.New("transport is not connected")

	// ErrSubscribeUnsupported - движок не умеет подписки
	ErrSubscribeUnsupported = errors.New("engine does not support subscriptions")
)

// Engine - сигнальный движок одной сессии.
//
// Экземпляр живет от Connect до Stop. Повторное подключение всегда создает
// новый экземпляр через EngineFactory.
type Engine interface {
	health.Session

	// Connect открывает транспорт до сервера
	Connect(ctx context.Context) error

	// Register регистрирует абонента на регистраторе
	Register(ctx context.Context) error

	// Unregister снимает регистрацию
	Unregister(ctx context.Context) error

	// Stop закрывает транспорт. Наблюдатели потери связи не вызываются.
	Stop(ctx context.Context) error

	// OnConnectionLost добавляет наблюдателя неожиданной потери связи.
	// Наблюдатель может вызываться из любой горутины движка.
	OnConnectionLost(fn func(err error))
}

// Subscription - активная подписка на события (SUBSCRIBE)
type Subscription interface {
	// Target адрес, на который оформлена подписка
	Target() string

	// Terminate отменяет подписку на сервере
	Terminate(ctx context.Context) error
}

// Subscriber реализуется движками, поддерживающими подписки
type Subscriber interface {
	Subscribe(ctx context.Context, target string) (Subscription, error)
}

// EngineFactory создает новый движок для очередной попытки подключения.
// Логгер уже содержит идентификатор сессии.
type EngineFactory func(log zerolog.Logger) (Engine, error)
