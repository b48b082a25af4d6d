// Package media_health проверяет, что по установленному звонку действительно
// идет аудио.
//
// Monitor подключается к звонку, когда у него появляется окончательный
// (не предварительный) обработчик медиа, и выбирает одну из стратегий:
//   - NativeSignalStrategy: ждет агрегированного состояния connected/failed
//   - PollingStrategy: опрашивает статистику исходящего RTP до появления пакетов
//
// Результат проверки приходит в Check ровно один раз. Завершение звонка до
// результата отменяет проверку без результата.
package media_health
