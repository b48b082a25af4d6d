// Package transport - конечный автомат сигнального соединения.
//
// Transport владеет не более чем одним экземпляром Engine, проводит его через
// подключение, регистрацию, отключение и переподключение с экспоненциальным
// откатом. На время жизни каждого соединения запускается health.Checker.
//
// Операции Connect, Disconnect, Subscribe и обработка потери связи
// выполняются строго по одной. События статуса доставляются наблюдателям
// синхронно и в порядке переходов.
package transport
