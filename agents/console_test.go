package agents

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	realtime "github.com/bt-bridge/realtime-console"
	"github.com/bt-bridge/realtime-console/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) WriteString(s string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.WriteString(s)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

type fakeSession struct {
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    realtime.State
	handler  realtime.StateHandler
	startErr error
	starts   int
	stops    int
	sent     []string
}

// emit delivers one snapshot at a time, like Controller.notify.
func (f *fakeSession) emit() {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	f.mu.Lock()
	st := f.snapshot()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(st)
	}
}

func (f *fakeSession) snapshot() realtime.State {
	st := f.state
	st.Events = append([]*realtime.Event(nil), f.state.Events...)
	return st
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	if f.state.Phase == realtime.PhaseNegotiating || f.state.Phase == realtime.PhaseActive {
		f.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	prev := f.state.Phase
	f.state.Phase = realtime.PhaseNegotiating
	f.state.Loading = true
	f.mu.Unlock()
	f.emit()

	if f.startErr != nil {
		f.mu.Lock()
		f.state.Phase = prev
		f.state.Loading = false
		f.mu.Unlock()
		f.emit()
		return f.startErr
	}

	f.mu.Lock()
	f.state.Phase = realtime.PhaseActive
	f.state.Loading = false
	f.state.Events = []*realtime.Event{{EventId: "evt_server_1", Type: realtime.ServerEventTypeSessionCreated}}
	f.mu.Unlock()
	f.emit()
	return nil
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	f.stops++
	if f.state.Phase != realtime.PhaseNegotiating && f.state.Phase != realtime.PhaseActive {
		f.mu.Unlock()
		return
	}
	f.state.Phase = realtime.PhaseClosed
	f.state.Loading = false
	f.mu.Unlock()
	f.emit()
}

func (f *fakeSession) SendTextMessage(text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	n := len(f.sent)
	f.state.Events = append([]*realtime.Event{
		{EventId: fmt.Sprintf("evt_rc_%d", n), Type: realtime.ClientEventTypeResponseCreate},
		{EventId: fmt.Sprintf("evt_msg_%d", n), Type: realtime.ClientEventTypeConversationItemCreate},
	}, f.state.Events...)
	f.mu.Unlock()
	f.emit()
	return nil
}

func (f *fakeSession) State() realtime.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *fakeSession) RegisterStateHandler(h realtime.StateHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		return shared.ErrHandlerAlreadySet
	}
	f.handler = h
	return nil
}

func (f *fakeSession) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSession) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func newTestAgent(t *testing.T, session Session, format EventFormat) (*ConsoleAgent, *syncBuffer) {
	t.Helper()
	out := new(syncBuffer)
	printer, err := shared.NewPrinter("│  ", out)
	require.NoError(t, err)
	a, err := NewConsoleAgent(shared.NewNopLogger(), printer, session, format)
	require.NoError(t, err)
	return a, out
}

// run starts the agent on a pipe and returns the writing end and Run's result.
func run(t *testing.T, a *ConsoleAgent) (*io.PipeWriter, <-chan error) {
	t.Helper()
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), pr) }()
	t.Cleanup(func() { _ = pw.Close() })
	return pw, done
}

func typeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	_, err := io.WriteString(w, line+"\n")
	require.NoError(t, err)
}

func outputContains(out *syncBuffer, s string) func() bool {
	return func() bool { return strings.Contains(out.String(), s) }
}

func TestConsoleSessionFlow(t *testing.T) {
	session := new(fakeSession)
	a, out := newTestAgent(t, session, FormatYAML)
	in, done := run(t, a)

	typeLine(t, in, "/start")
	require.Eventually(t, func() bool { return session.State().Active() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, outputContains(out, "session.created"), 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "Connecting...")
	assert.Contains(t, out.String(), "Session active")

	typeLine(t, in, "   hello there  ")
	require.Eventually(t, func() bool { return len(session.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello there", session.Sent()[0])
	require.Eventually(t, outputContains(out, "evt_rc_1"), 2*time.Second, 5*time.Millisecond)
	text := out.String()
	assert.Less(t, strings.Index(text, "evt_msg_1"), strings.Index(text, "evt_rc_1"), "oldest new event first")

	typeLine(t, in, "")
	typeLine(t, in, "/stop")
	require.Eventually(t, outputContains(out, "Disconnected."), 2*time.Second, 5*time.Millisecond)

	typeLine(t, in, "/quit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after /quit")
	}
	assert.Contains(t, out.String(), "Bye.")
	assert.Len(t, session.Sent(), 1)
}

func TestConsoleStartFailureIsAlerted(t *testing.T) {
	session := &fakeSession{startErr: fmt.Errorf("%w: OpenAI API error: nope", shared.ErrCredentialRequest)}
	a, out := newTestAgent(t, session, FormatYAML)
	in, _ := run(t, a)

	typeLine(t, in, "/start")
	require.Eventually(t, outputContains(out, "❌ Failed to start session: failed to get token: OpenAI API error: nope"),
		2*time.Second, 5*time.Millisecond)
	assert.False(t, session.State().Active())
	assert.NotContains(t, out.String(), "Connection lost", "a failed Start is reported once")
}

func TestConsoleAlertsWhenNegotiationDropsAfterStart(t *testing.T) {
	session := new(fakeSession)
	a, out := newTestAgent(t, session, FormatYAML)

	// Start returned, then the transport failed before the channel opened
	a.onState(realtime.State{Phase: realtime.PhaseNegotiating, Loading: true})
	a.onState(realtime.State{Phase: realtime.PhaseAbsent})

	text := out.String()
	assert.Contains(t, text, "Connecting...")
	assert.Contains(t, text, "❌ Connection lost before the session became active.")
}

func TestConsoleStateUpdatesFromManyGoroutines(t *testing.T) {
	session := new(fakeSession)
	a, out := newTestAgent(t, session, FormatYAML)

	events := make([]*realtime.Event, 0, 64)
	for i := range 64 {
		events = append([]*realtime.Event{{EventId: fmt.Sprintf("evt_%02d", i), Type: realtime.ServerEventTypeResponseDone}}, events...)
	}
	var wg sync.WaitGroup
	for i := 1; i <= len(events); i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a.onState(realtime.State{Phase: realtime.PhaseActive, Events: events[len(events)-n:]})
		}(i)
	}
	wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, realtime.PhaseActive, a.phase)
	assert.LessOrEqual(t, a.printed, len(events))
	assert.Contains(t, out.String(), "Session active")
}

func TestConsoleTextWithoutSession(t *testing.T) {
	session := new(fakeSession)
	a, out := newTestAgent(t, session, FormatYAML)
	in, _ := run(t, a)

	typeLine(t, in, "hi")
	typeLine(t, in, "/stop")
	typeLine(t, in, "/events")
	typeLine(t, in, "/bogus")
	require.Eventually(t, outputContains(out, "Unknown command /bogus"), 2*time.Second, 5*time.Millisecond)
	text := out.String()
	assert.Contains(t, text, "Start a session first")
	assert.Contains(t, text, "No session is running.")
	assert.Contains(t, text, "No events yet.")
	assert.Empty(t, session.Sent())
}

func TestConsoleRunEndsOnEOF(t *testing.T) {
	session := new(fakeSession)
	a, _ := newTestAgent(t, session, FormatYAML)

	err := a.Run(context.Background(), strings.NewReader("/help\n"))
	assert.NoError(t, err)
	assert.Equal(t, 1, session.Stops())
}

func TestConsoleRunEndsWithContext(t *testing.T) {
	session := new(fakeSession)
	a, _ := newTestAgent(t, session, FormatYAML)
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, pr) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestConsoleReprintsAfterActivation(t *testing.T) {
	session := new(fakeSession)
	a, out := newTestAgent(t, session, FormatJSON)

	older := &realtime.Event{EventId: "evt_a", Type: realtime.ServerEventTypeSessionCreated}
	newer := &realtime.Event{EventId: "evt_b", Type: realtime.ServerEventTypeResponseDone}
	a.onState(realtime.State{Phase: realtime.PhaseActive, Events: []*realtime.Event{newer, older}})
	text := out.String()
	seenA := strings.Count(text, "evt_a")
	assert.Less(t, strings.Index(text, "evt_a"), strings.Index(text, "evt_b"))
	assert.Contains(t, text, `"type": "session.created"`)

	// unchanged log prints nothing new
	a.onState(realtime.State{Phase: realtime.PhaseActive, Events: []*realtime.Event{newer, older}})
	assert.Equal(t, text, out.String())

	a.onState(realtime.State{Phase: realtime.PhaseClosed, Events: []*realtime.Event{newer, older}})
	fresh := &realtime.Event{EventId: "evt_c", Type: realtime.ServerEventTypeSessionCreated}
	a.onState(realtime.State{Phase: realtime.PhaseActive, Events: []*realtime.Event{fresh}})
	assert.Contains(t, out.String(), "evt_c")
	assert.Equal(t, seenA, strings.Count(out.String(), "evt_a"))
}

func TestParseEventFormat(t *testing.T) {
	f, err := ParseEventFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	f, err = ParseEventFormat(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseEventFormat("xml")
	assert.Error(t, err)
}

func TestNewConsoleAgentValidates(t *testing.T) {
	out := new(syncBuffer)
	printer, err := shared.NewPrinter("", out)
	require.NoError(t, err)

	_, err = NewConsoleAgent(nil, printer, new(fakeSession), FormatYAML)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	session := new(fakeSession)
	_, err = NewConsoleAgent(shared.NewNopLogger(), printer, session, FormatYAML)
	require.NoError(t, err)
	_, err = NewConsoleAgent(shared.NewNopLogger(), printer, session, FormatYAML)
	assert.ErrorIs(t, err, shared.ErrHandlerAlreadySet)
}
