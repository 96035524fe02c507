package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/pipeline"
)

type fakeSub struct {
	id         string
	categories []string

	mu   sync.Mutex
	msgs []*message.Message
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Info() message.SubscriberInfo {
	return message.SubscriberInfo{ID: f.id, Source: "test", Transport: "fake", Categories: f.categories}
}

func (f *fakeSub) Send(m *message.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
}

func (f *fakeSub) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.Outcome.EventID)
	}
	return out
}

func TestDeliverFansOutByCategory(t *testing.T) {
	h := New(nil)
	all := &fakeSub{id: "all"}
	cloze := &fakeSub{id: "cloze", categories: []string{"cloze"}}
	h.Register(all)
	h.Register(cloze)

	h.Deliver(pipeline.Outcome{EventID: "e1", Category: "single-choice", State: pipeline.StateDelivered})
	h.Deliver(pipeline.Outcome{EventID: "e2", Category: "cloze", State: pipeline.StateFailed})

	assert.Equal(t, []string{"e1", "e2"}, all.events())
	assert.Equal(t, []string{"e2"}, cloze.events())
}

func TestRegisterReplaysLatest(t *testing.T) {
	h := New(nil)
	h.Deliver(pipeline.Outcome{EventID: "a1", Category: "a"})
	h.Deliver(pipeline.Outcome{EventID: "b1", Category: "b"})
	h.Deliver(pipeline.Outcome{EventID: "a2", Category: "a"})

	onlyA := &fakeSub{id: "x", categories: []string{"a"}}
	h.Register(onlyA)
	assert.Equal(t, []string{"a2"}, onlyA.events())

	wildcard := &fakeSub{id: "y"}
	h.Register(wildcard)
	assert.Equal(t, []string{"a2"}, wildcard.events(), "latest overall")

	both := &fakeSub{id: "z", categories: []string{"a", "b", "c"}}
	h.Register(both)
	assert.ElementsMatch(t, []string{"a2", "b1"}, both.events())
}

func TestLatest(t *testing.T) {
	h := New(nil)
	_, ok := h.Latest("")
	assert.False(t, ok)

	h.Deliver(pipeline.Outcome{EventID: "e1", Category: "a", Text: "one"})
	h.Deliver(pipeline.Outcome{EventID: "e2", Category: "b", Text: "two"})

	o, ok := h.Latest("a")
	require.True(t, ok)
	assert.Equal(t, "one", o.Text)

	o, ok = h.Latest("")
	require.True(t, ok)
	assert.Equal(t, "e2", o.EventID)

	_, ok = h.Latest("missing")
	assert.False(t, ok)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := New(nil)
	s := &fakeSub{id: "s"}
	h.Register(s)
	h.Unregister(s)
	h.Deliver(pipeline.Outcome{EventID: "e1"})

	assert.Empty(t, s.events())
	assert.Empty(t, h.Subscribers())
}

func TestSubscribersSorted(t *testing.T) {
	h := New(nil)
	h.Register(&fakeSub{id: "b"})
	h.Register(&fakeSub{id: "a"})
	subs := h.Subscribers()
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].ID)
	assert.Equal(t, "b", subs[1].ID)
}

func TestHubIsPipelineSink(t *testing.T) {
	var _ pipeline.Sink = New(nil)
}
