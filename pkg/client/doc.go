// Package client - внешний фасад слоя устойчивости соединения.
//
// New возвращает интерфейс Client: приложению доступны только команды
// и чтение состояния, изменяемое состояние живет в неэкспортируемой
// реализации.
package client
