package transport

import (
	"sort"
	"sync"
)

// SubscriptionRegistry хранит активные подписки по ключу.
//
// Потокобезопасен. Ключи выбирает приложение, повторное добавление
// по тому же ключу заменяет подписку.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewSubscriptionRegistry создает пустой реестр
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs: make(map[string]Subscription),
	}
}

// Add сохраняет подписку. Возвращает предыдущую подписку по ключу.
func (r *SubscriptionRegistry) Add(key string, sub Subscription) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.subs[key]
	r.subs[key] = sub
	return prev, ok
}

// Remove удаляет подписку и возвращает ее
func (r *SubscriptionRegistry) Remove(key string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	return sub, ok
}

// Get возвращает подписку по ключу
func (r *SubscriptionRegistry) Get(key string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[key]
	return sub, ok
}

// Keys возвращает отсортированный список ключей
func (r *SubscriptionRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len количество подписок
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear забывает все подписки без обращения к серверу
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]Subscription)
}
