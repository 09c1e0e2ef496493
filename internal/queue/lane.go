package queue

// Lane is one of the priority classes, drained strictly in order.
type Lane int

const (
	LaneCritical Lane = iota
	LaneFast
	LaneStandard

	laneCount = 3
)

func (l Lane) String() string {
	switch l {
	case LaneCritical:
		return "critical"
	case LaneFast:
		return "fast"
	case LaneStandard:
		return "standard"
	}
	return "unknown"
}

// lane keeps one FIFO per chat and serves chats round-robin.
type lane struct {
	fifos  map[int64][]*Item
	ring   []int64
	cursor int
	size   int
}

func newLane() *lane {
	return &lane{fifos: map[int64][]*Item{}}
}

func (l *lane) push(it *Item) {
	if len(l.fifos[it.ChatID]) == 0 {
		l.ring = append(l.ring, it.ChatID)
	}
	l.fifos[it.ChatID] = append(l.fifos[it.ChatID], it)
	l.size++
}

func (l *lane) pop() *Item {
	if l.size == 0 {
		return nil
	}
	if l.cursor >= len(l.ring) {
		l.cursor = 0
	}
	chat := l.ring[l.cursor]
	fifo := l.fifos[chat]
	it := fifo[0]
	fifo[0] = nil
	fifo = fifo[1:]
	l.size--

	if len(fifo) == 0 {
		delete(l.fifos, chat)
		l.ring = append(l.ring[:l.cursor], l.ring[l.cursor+1:]...)
		// the next chat slid into the cursor position
		return it
	}
	l.fifos[chat] = fifo
	l.cursor++
	return it
}
