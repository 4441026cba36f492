package channel

import (
	"reflect"
	"slices"
	"sort"

	"github.com/unpod/agentlink/internal/convo"
)

// timeline is the ordered message list of one conversation. Messages are
// sorted by CreatedAt; equal timestamps keep arrival order.
type timeline struct {
	msgs []convo.Message
}

func (t *timeline) find(id string) int {
	return slices.IndexFunc(t.msgs, func(m convo.Message) bool { return m.ID == id })
}

func (t *timeline) get(id string) (convo.Message, bool) {
	if i := t.find(id); i >= 0 {
		return t.msgs[i], true
	}
	return convo.Message{}, false
}

// upsert inserts m or replaces the message with the same id. It reports
// false when m is identical to what is already there.
func (t *timeline) upsert(m convo.Message) bool {
	if i := t.find(m.ID); i >= 0 {
		if reflect.DeepEqual(t.msgs[i], m) {
			return false
		}
		if t.msgs[i].CreatedAt.Equal(m.CreatedAt) {
			t.msgs[i] = m
			return true
		}
		t.msgs = slices.Delete(t.msgs, i, i+1)
	}
	t.insert(m)
	return true
}

// insert places m after every message not newer than it.
func (t *timeline) insert(m convo.Message) {
	i := sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	t.msgs = slices.Insert(t.msgs, i, m)
}

func (t *timeline) remove(id string) bool {
	i := t.find(id)
	if i < 0 {
		return false
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	return true
}

func (t *timeline) snapshot() []convo.Message {
	return slices.Clone(t.msgs)
}

func (t *timeline) len() int { return len(t.msgs) }
