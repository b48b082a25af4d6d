// Package health - проверка живости сигнального канала.
//
// Checker периодически отправляет легкий запрос (SIP OPTIONS) через активную
// сигнальную сессию и ждет ответа не дольше Deadline. Если ответ не пришел,
// транспорт принудительно разрывается: полуоткрытый сокет обнаруживается
// быстрее, чем это сделает TCP/TLS. Восстановление соединения выполняет
// владелец сессии (transport) после получения сигнала о потере связи.
package health
