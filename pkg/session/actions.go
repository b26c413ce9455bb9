package session

type action string

const (
	actionHold   action = "hold"
	actionUnhold action = "unhold"
)

func (a action) opposite() action {
	if a == actionHold {
		return actionUnhold
	}
	return actionHold
}

// actionQueue отложенные hold/unhold. Никогда не содержит оба действия сразу:
// добавление действия снимает из очереди противоположное.
type actionQueue struct {
	items []action
}

// push возвращает true, если действие поставлено в очередь
func (q *actionQueue) push(a action) bool {
	if q.isPending(a.opposite()) {
		q.remove(a.opposite())
		return false
	}
	if q.isPending(a) {
		return false
	}
	q.items = append(q.items, a)
	return true
}

func (q *actionQueue) shift() (action, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	a := q.items[0]
	q.items = q.items[1:]
	return a, true
}

func (q *actionQueue) isPending(a action) bool {
	for _, it := range q.items {
		if it == a {
			return true
		}
	}
	return false
}

func (q *actionQueue) remove(a action) {
	out := q.items[:0]
	for _, it := range q.items {
		if it != a {
			out = append(out, it)
		}
	}
	q.items = out
}

func (q *actionQueue) len() int {
	return len(q.items)
}
