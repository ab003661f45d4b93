package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "sentinel.abc.phase", Subject("sentinel", "abc", KindPhase))
	assert.Equal(t, "x.a_b_c.gate", Subject("x", "a.b*c", KindGate))
	assert.Equal(t, "sentinel.unknown.outcome", Subject("sentinel", "", KindOutcome))
}

func TestNATSPublisher_Publish(t *testing.T) {
	srv, err := StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("sentinel.*.phase", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc, "", nil)
	err = p.Publish(context.Background(), "sess-1", KindPhase, PhaseEvent{Iteration: 2, Phase: state.PhaseQuality})
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "sentinel.sess-1.phase", msg.Subject)
		var ev PhaseEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, 2, ev.Iteration)
		assert.Equal(t, state.PhaseQuality, ev.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for phase event")
	}
}

func TestNATSPublisher_UnencodablePayload(t *testing.T) {
	p := NewNATSPublisher(nil, "sentinel", nil)
	err := p.Publish(context.Background(), "s", KindItem, make(chan int))
	assert.ErrorContains(t, err, "marshal item event")
}

func TestNew(t *testing.T) {
	p, err := New(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), "s", KindGate, nil))

	p, err = New(config.EventsConfig{Enabled: true, Embedded: true, SubjectPrefix: "test"}, nil)
	require.NoError(t, err)
	np, ok := p.(*NATSPublisher)
	require.True(t, ok)
	assert.Equal(t, "test.s.outcome", np.Subject("s", KindOutcome))
	assert.NoError(t, p.Publish(context.Background(), "s", KindOutcome, OutcomeEvent{Outcome: state.OutcomeDone}))
	assert.NoError(t, p.Close())
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(config.EventsConfig{Enabled: true, URL: "nats://127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
