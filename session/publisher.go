package session

import "sync"

// publisher is a small typed pub/sub for a PTYSession's four signal kinds.
// Subscriptions are identified by an opaque id handed back from Subscribe*
// so a departing client can precisely unsubscribe without racing a
// fan-out in progress: handlers are snapshotted under the lock and invoked
// outside it, so an Unsubscribe that happens mid-fan-out simply means that
// subscriber may or may not see this particular event, never a panic or a
// double-delivery into a dead callback.
type publisher struct {
	mu     sync.Mutex
	nextID int

	data   map[int]func([]byte)
	exit   map[int]func(int)
	resize map[int]func(cols, rows int)
	title  map[int]func(string)
}

func newPublisher() *publisher {
	return &publisher{
		data:   make(map[int]func([]byte)),
		exit:   make(map[int]func(int)),
		resize: make(map[int]func(cols, rows int)),
		title:  make(map[int]func(string)),
	}
}

func (p *publisher) subscribeData(h func([]byte)) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.data[id] = h
	return id
}

func (p *publisher) unsubscribeData(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, id)
}

func (p *publisher) subscribeExit(h func(int)) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.exit[id] = h
	return id
}

func (p *publisher) unsubscribeExit(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.exit, id)
}

func (p *publisher) subscribeResize(h func(cols, rows int)) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.resize[id] = h
	return id
}

func (p *publisher) unsubscribeResize(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resize, id)
}

func (p *publisher) subscribeTitle(h func(string)) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.title[id] = h
	return id
}

func (p *publisher) unsubscribeTitle(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.title, id)
}

func (p *publisher) emitData(data []byte) {
	p.mu.Lock()
	handlers := make([]func([]byte), 0, len(p.data))
	for _, h := range p.data {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func (p *publisher) emitExit(code int) {
	p.mu.Lock()
	handlers := make([]func(int), 0, len(p.exit))
	for _, h := range p.exit {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(code)
	}
}

func (p *publisher) emitResize(cols, rows int) {
	p.mu.Lock()
	handlers := make([]func(int, int), 0, len(p.resize))
	for _, h := range p.resize {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(cols, rows)
	}
}

func (p *publisher) emitTitle(title string) {
	p.mu.Lock()
	handlers := make([]func(string), 0, len(p.title))
	for _, h := range p.title {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(title)
	}
}
