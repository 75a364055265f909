package health

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottledNotifier(t *testing.T) {
	rec := &recorder{}
	n := NewThrottledNotifier(rec, time.Minute, 1)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	n.Notify(ctx, Event{ProviderID: "a", Kind: EventCooling, At: t0})
	n.Notify(ctx, Event{ProviderID: "a", Kind: EventCooling, At: t0.Add(time.Second)})
	n.Notify(ctx, Event{ProviderID: "b", Kind: EventCooling, At: t0.Add(time.Second)})
	n.Notify(ctx, Event{ProviderID: "a", Kind: EventRecovered, At: t0.Add(time.Minute)})

	events := rec.Events()
	if assert.Len(t, events, 3) {
		assert.Equal(t, "a", events[0].ProviderID)
		assert.Equal(t, "b", events[1].ProviderID)
		assert.Equal(t, EventRecovered, events[2].Kind)
	}
	assert.Equal(t, 1, n.Dropped("a"))
	assert.Equal(t, 0, n.Dropped("b"))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	n.Notify(context.Background(), Event{ProviderID: "groq", Kind: EventCooling, Failures: 5})
	n.Notify(context.Background(), Event{ProviderID: "groq", Kind: EventRecovered, Failures: 5})

	out := buf.String()
	assert.Contains(t, out, "provider cooling down")
	assert.Contains(t, out, "consecutive_failures=5")
	assert.Contains(t, out, "provider recovered")
}

func TestNotifiersFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	calls := 0
	n := Notifiers{a, b, NotifierFunc(func(context.Context, Event) { calls++ })}

	n.Notify(context.Background(), Event{ProviderID: "x"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, 1, calls)
}
