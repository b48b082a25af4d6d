package transport

// ConnectionStatus состояние сигнального транспорта
type ConnectionStatus string

const (
	StatusDisconnected  ConnectionStatus = "DISCONNECTED"
	StatusConnecting    ConnectionStatus = "CONNECTING"
	StatusConnected     ConnectionStatus = "CONNECTED"
	StatusDisconnecting ConnectionStatus = "DISCONNECTING"
	StatusReconnecting  ConnectionStatus = "RECONNECTING"
)

// String возвращает строковое представление статуса
func (s ConnectionStatus) String() string {
	return string(s)
}

// Имена событий конечного автомата
const (
	evConnect    = "connect"
	evConnected  = "connected"
	evRetry      = "retry"
	evDisconnect = "disconnect"
	evStopped    = "stopped"
	evGiveUp     = "give_up"
)
