// Package config загружает настройки phone_link из YAML файла, переменных
// окружения (PHONE_LINK_SIP_URI и т.д.) и флагов командной строки.
package config
