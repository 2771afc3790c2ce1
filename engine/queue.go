package engine

import (
	"sort"
	"time"
)

type kind uint8

const (
	kindLine   kind = iota // single command, CRLF appended
	kindLines              // command sequence, one exchange per line
	kindData               // raw bytes, sent as is
	kindSender             // custom sender writes the request
	kindWork               // step function drives everything
)

func (k kind) String() string {
	switch k {
	case kindLine:
		return "line"
	case kindLines:
		return "lines"
	case kindData:
		return "data"
	case kindSender:
		return "sender"
	case kindWork:
		return "work"
	default:
		return "unknown"
	}
}

type stage uint8

const (
	stageSend stage = iota
	stageWait
)

// itemOverhead approximates the bookkeeping size of an item for the
// memory counters.
const itemOverhead = 128

// item is one queue entry. It is owned by the queue until finalize.
type item struct {
	attr   Attr
	kind   kind
	seq    uint64
	gen    uint64 // abort generation at activation
	cmd    []byte
	lines  []string
	line   int
	sender SenderFunc
	work   WorkFunc

	// explicit state, touched only by the poll goroutine
	env   Env
	retry int
	sent  time.Time
	stage stage
	done  bool
	size  int64
}

func (it *item) describe() string {
	switch it.kind {
	case kindLine, kindData:
		return string(it.cmd)
	case kindLines:
		if it.line < len(it.lines) {
			return it.lines[it.line]
		}
	}
	return it.kind.String()
}

func (it *item) footprint() int64 {
	n := int64(itemOverhead + len(it.cmd))
	for _, l := range it.lines {
		n += int64(len(l))
	}
	return n
}

// workQueue keeps pending items ordered by descending priority, FIFO
// among equal priorities. It is not safe for concurrent use.
type workQueue struct {
	items []*item
}

func (q *workQueue) push(it *item) {
	// items is sorted by descending priority and ascending seq, so the
	// insertion point is the first item with a strictly lower priority.
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].attr.Priority < it.attr.Priority
	})
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
}

func (q *workQueue) pop() *item {
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it
}

// drain removes and returns all pending items in service order.
func (q *workQueue) drain() []*item {
	items := q.items
	q.items = nil
	return items
}

func (q *workQueue) len() int {
	return len(q.items)
}
