package cache

import "container/list"

// insertionOrder tracks keys in the order they were inserted so the oldest
// insertion can be evicted first. Re-inserting a key moves it to the back.
type insertionOrder struct {
	queue *list.List
	elems map[string]*list.Element
}

func newInsertionOrder() *insertionOrder {
	return &insertionOrder{
		queue: list.New(),
		elems: make(map[string]*list.Element),
	}
}

func (o *insertionOrder) OnPut(key string) {
	if el, ok := o.elems[key]; ok {
		o.queue.MoveToBack(el)
		return
	}
	o.elems[key] = o.queue.PushBack(key)
}

func (o *insertionOrder) Remove(key string) {
	if el, ok := o.elems[key]; ok {
		o.queue.Remove(el)
		delete(o.elems, key)
	}
}

// Evict removes and returns the oldest key, or "" when empty.
func (o *insertionOrder) Evict() string {
	front := o.queue.Front()
	if front == nil {
		return ""
	}
	key := o.queue.Remove(front).(string)
	delete(o.elems, key)
	return key
}

func (o *insertionOrder) Reset() {
	o.queue.Init()
	o.elems = make(map[string]*list.Element)
}
