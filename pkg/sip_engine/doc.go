// Package sip_engine - сигнальный движок на основе sipgo.
//
// Engine реализует transport.Engine: отправляет OPTIONS пробы, REGISTER
// с digest авторизацией, SUBSCRIBE, и сообщает транспорту о потере связи.
// Один Engine обслуживает одну сессию: после Stop или DropConnection
// транспорт создает новый экземпляр.
package sip_engine
