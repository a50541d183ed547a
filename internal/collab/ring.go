package collab

const changeLogCapacity = 100

// changeLog keeps the most recent changes of a session, oldest first.
type changeLog struct {
	items []Change
	start int
	size  int
}

func newChangeLog(capacity int) *changeLog {
	return &changeLog{items: make([]Change, capacity)}
}

func (l *changeLog) push(change Change) {
	capacity := len(l.items)
	if capacity == 0 {
		return
	}
	if l.size < capacity {
		l.items[(l.start+l.size)%capacity] = change
		l.size++
		return
	}
	l.items[l.start] = change
	l.start = (l.start + 1) % capacity
}

func (l *changeLog) len() int {
	return l.size
}

func (l *changeLog) list() []Change {
	out := make([]Change, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.items[(l.start+i)%len(l.items)])
	}
	return out
}
