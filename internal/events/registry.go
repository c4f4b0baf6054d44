package events

import "sync"

// registry tracks handlers per channel with a reference count: the first
// handler opens a channel and removing the last one closes it.
type registry struct {
	mu        sync.RWMutex
	next      SubscriptionID
	byChannel map[string]map[SubscriptionID]Handler
	channels  map[SubscriptionID]string
}

func newRegistry() *registry {
	return &registry{
		byChannel: make(map[string]map[SubscriptionID]Handler),
		channels:  make(map[SubscriptionID]string),
	}
}

// add registers h on channel and reports whether the channel was just opened.
func (r *registry) add(channel string, h Handler) (SubscriptionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	hs, ok := r.byChannel[channel]
	if !ok {
		hs = make(map[SubscriptionID]Handler)
		r.byChannel[channel] = hs
	}
	hs[id] = h
	r.channels[id] = channel
	return id, !ok
}

// remove drops a handler and reports its channel and whether that channel is now closed.
func (r *registry) remove(id SubscriptionID) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[id]
	if !ok {
		return "", false, ErrUnknownSubscription
	}
	delete(r.channels, id)
	hs := r.byChannel[channel]
	delete(hs, id)
	if len(hs) == 0 {
		delete(r.byChannel, channel)
		return channel, true, nil
	}
	return channel, false, nil
}

func (r *registry) handlers(channel string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.byChannel[channel]
	out := make([]Handler, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

// count is the number of handlers on channel.
func (r *registry) count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

func (r *registry) open() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byChannel))
	for ch := range r.byChannel {
		out = append(out, ch)
	}
	return out
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChannel = make(map[string]map[SubscriptionID]Handler)
	r.channels = make(map[SubscriptionID]string)
}
