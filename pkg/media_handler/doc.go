// Package media_handler - обертка над pion/webrtc для медиа части звонка.
//
// PeerHandler владеет одним *webrtc.PeerConnection и раздает его события
// упорядоченным спискам наблюдателей. В pion у соединения только один
// обработчик на событие, поэтому подписчики (монитор аудио, приложение)
// добавляются сюда, а не в соединение напрямую.
package media_handler
