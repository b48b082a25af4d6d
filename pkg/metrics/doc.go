// Package metrics - Prometheus метрики слоя устойчивости соединения.
//
// Предоставляет счетчики и гистограммы для трех компонентов:
//   - transport: переходы статусов, попытки переподключения, ошибки unregister
//   - health: результаты OPTIONS проб и их длительность
//   - media_health: результаты проверок аудио по режимам
//
// Все методы безопасны для nil получателя, поэтому компоненты
// могут работать без метрик.
package metrics
