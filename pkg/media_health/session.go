package media_health

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConnection - источник статистики медиа соединения
type PeerConnection interface {
	GetStats() webrtc.StatsReport
}

// ConnectionStateSource реализуется соединениями, которые сообщают
// агрегированное состояние (connected, failed и т.д.)
type ConnectionStateSource interface {
	ConnectionState() webrtc.PeerConnectionState

	// AddConnectionStateObserver добавляет наблюдателя. Возвращает функцию
	// удаления.
	AddConnectionStateObserver(fn func(webrtc.PeerConnectionState)) func()
}

// MediaHandler - обработчик медиа звонка.
// PeerConnection возвращает nil, пока соединение не создано.
type MediaHandler interface {
	PeerConnection() PeerConnection
}

// CallSession - звонок, за медиа которого наблюдает монитор
type CallSession interface {
	// MediaHandler текущий обработчик медиа или nil
	MediaHandler() MediaHandler

	// OnMediaHandler добавляет наблюдателя создания обработчика медиа.
	// provisional - обработчик для предварительного ответа (183).
	OnMediaHandler(fn func(h MediaHandler, provisional bool)) func()

	// OnTerminated добавляет наблюдателя завершения звонка
	OnTerminated(fn func()) func()
}

type handlerObserver struct {
	id uint64
	fn func(MediaHandler, bool)
}

type terminateObserver struct {
	id uint64
	fn func()
}

// Call - потокобезопасная реализация CallSession.
//
// Наблюдатели вызываются в порядке добавления. Так каждый следующий
// подписчик не скрывает предыдущего.
type Call struct {
	id string

	mu         sync.Mutex
	handler    MediaHandler
	terminated bool
	nextID     uint64
	onHandler  []handlerObserver
	onTerm     []terminateObserver
}

// NewCall создает звонок с идентификатором id
func NewCall(id string) *Call {
	return &Call{id: id}
}

// ID идентификатор звонка
func (c *Call) ID() string {
	return c.id
}

// MediaHandler текущий обработчик медиа
func (c *Call) MediaHandler() MediaHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Terminated сообщает, завершен ли звонок
func (c *Call) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// SetMediaHandler устанавливает обработчик и оповещает наблюдателей
func (c *Call) SetMediaHandler(h MediaHandler, provisional bool) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.handler = h
	observers := make([]handlerObserver, len(c.onHandler))
	copy(observers, c.onHandler)
	c.mu.Unlock()

	for _, o := range observers {
		o.fn(h, provisional)
	}
}

// Terminate завершает звонок. Повторный вызов ничего не делает.
func (c *Call) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	observers := c.onTerm
	c.onTerm = nil
	c.onHandler = nil
	c.mu.Unlock()

	for _, o := range observers {
		o.fn()
	}
}

// OnMediaHandler реализует CallSession
func (c *Call) OnMediaHandler(fn func(h MediaHandler, provisional bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.onHandler = append(c.onHandler, handlerObserver{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.onHandler {
			if o.id == id {
				c.onHandler = append(c.onHandler[:i:i], c.onHandler[i+1:]...)
				return
			}
		}
	}
}

// OnTerminated реализует CallSession. Для уже завершенного звонка
// наблюдатель вызывается сразу.
func (c *Call) OnTerminated(fn func()) func() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		fn()
		return func() {}
	}

	c.nextID++
	id := c.nextID
	c.onTerm = append(c.onTerm, terminateObserver{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.onTerm {
			if o.id == id {
				c.onTerm = append(c.onTerm[:i:i], c.onTerm[i+1:]...)
				return
			}
		}
	}
}
