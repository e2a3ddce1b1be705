package basket

import "sync"

// Broker fans refresh events out to every subscriber of an owner's basket.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers interest in owner's refresh events. The returned cancel
// func unregisters and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(owner string) (<-chan Event, func()) {
	ch := make(chan Event, 8)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[owner] == nil {
		b.subs[owner] = make(map[int]chan Event)
	}
	b.subs[owner][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[owner], id)
			if len(b.subs[owner]) == 0 {
				delete(b.subs, owner)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev without blocking; a subscriber whose buffer is full misses it.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Owner == "" {
		for _, group := range b.subs {
			deliver(group, ev)
		}
		return
	}
	deliver(b.subs[ev.Owner], ev)
}

func deliver(group map[int]chan Event, ev Event) {
	for _, ch := range group {
		select {
		case ch <- ev:
		default:
		}
	}
}
