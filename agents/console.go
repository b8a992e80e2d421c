package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	realtime "github.com/bt-bridge/realtime-console"
	"github.com/bt-bridge/realtime-console/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Session is the part of *realtime.Controller the console drives.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	SendTextMessage(text string) error
	State() realtime.State
	RegisterStateHandler(handler realtime.StateHandler) error
}

var _ Session = (*realtime.Controller)(nil)

type EventFormat string

const (
	FormatYAML EventFormat = "yaml"
	FormatJSON EventFormat = "json"
)

func ParseEventFormat(s string) (EventFormat, error) {
	switch EventFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatYAML:
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown event format %q", s)
	}
}

const (
	cmdStart  = "/start"
	cmdStop   = "/stop"
	cmdEvents = "/events"
	cmdQuit   = "/quit"
	cmdHelp   = "/help"
)

const helpText = `/start   start a session
/stop    end the session
/events  print every event of the session
/quit    stop and exit
anything else is sent as a text message`

// ConsoleAgent is a line-oriented terminal front end for a Session.
type ConsoleAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session Session
	format  EventFormat

	mu      sync.Mutex
	printed int
	phase   realtime.Phase

	// Start calls in flight; their own failures are reported by start
	starting atomic.Int32
	starts   sync.WaitGroup
}

func NewConsoleAgent(
	logger shared.LoggerAdapter,
	printer *shared.Printer,
	session Session,
	format EventFormat,
) (*ConsoleAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if session == nil {
		return nil, errors.New("no session provided")
	}
	if format == "" {
		format = FormatYAML
	}
	a := &ConsoleAgent{
		logger:  logger,
		printer: printer,
		session: session,
		format:  format,
		phase:   session.State().Phase,
	}
	if err := session.RegisterStateHandler(a.onState); err != nil {
		return nil, fmt.Errorf("registering state handler: %w", err)
	}
	return a, nil
}

// Run reads commands from in until it is exhausted, /quit is entered or ctx
// ends. Any running session is stopped before Run returns.
func (a *ConsoleAgent) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		// aborts pending starts so none can outlive the final Stop
		cancel()
		a.starts.Wait()
		a.session.Stop()
	}()

	a.println("🤖 Realtime console ready.", 0)
	a.block("Commands", helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Error("reading console input", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("console context done")
			return nil
		case line, ok := <-lines:
			if !ok {
				a.logger.Info("console input closed")
				return nil
			}
			if quit := a.dispatch(ctx, line); quit {
				a.println("👋 Bye.", 0)
				return nil
			}
		}
	}
}

func (a *ConsoleAgent) dispatch(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
	case cmdStart:
		a.starts.Add(1)
		go func() {
			defer a.starts.Done()
			a.start(ctx)
		}()
	case cmdStop:
		st := a.session.State()
		if !st.Active() && st.Phase != realtime.PhaseNegotiating {
			a.println("ℹ️ No session is running.", 0)
			return false
		}
		a.session.Stop()
	case cmdEvents:
		events := a.session.State().Events
		if len(events) == 0 {
			a.println("ℹ️ No events yet.", 0)
			return false
		}
		for i := len(events) - 1; i >= 0; i-- {
			a.printEvent(events[i])
		}
	case cmdHelp:
		a.block("Commands", helpText)
	case cmdQuit:
		return true
	default:
		if strings.HasPrefix(line, "/") {
			a.println("❓ Unknown command "+line+", try /help.", 0)
			return false
		}
		if !a.session.State().Active() {
			a.println("ℹ️ Start a session first with /start.", 0)
			return false
		}
		if err := a.session.SendTextMessage(line); err != nil {
			a.logger.Error("sending text message", err)
		}
	}
	return false
}

func (a *ConsoleAgent) start(ctx context.Context) {
	a.starting.Add(1)
	err := a.session.Start(ctx)
	a.starting.Add(-1)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrSessionAlreadyRunning):
		a.println("ℹ️ A session is already running.", 0)
	case errors.Is(err, shared.ErrSessionStopped), errors.Is(err, context.Canceled):
		a.logger.Info("session start abandoned", zap.Error(err))
	default:
		a.logger.Error("starting session", err)
		a.println("❌ Failed to start session: "+err.Error(), 0)
	}
}

func (a *ConsoleAgent) onState(st realtime.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st.Phase != a.phase {
		prev := a.phase
		a.phase = st.Phase
		switch st.Phase {
		case realtime.PhaseNegotiating:
			a.println("🔌 Connecting...", 0)
		case realtime.PhaseActive:
			// activation starts a fresh log
			a.printed = 0
			a.println("✅ Session active. Type a message or /stop.", 0)
		case realtime.PhaseClosed:
			a.println("🔴 Disconnected.", 0)
		case realtime.PhaseAbsent:
			// the transport gave up after Start had already returned
			if prev == realtime.PhaseNegotiating && a.starting.Load() == 0 {
				a.logger.Warn("session dropped before it became active")
				a.println("❌ Connection lost before the session became active.", 0)
			}
		}
	}
	if len(st.Events) < a.printed {
		a.printed = 0
	}
	fresh := st.Events[:len(st.Events)-a.printed]
	for i := len(fresh) - 1; i >= 0; i-- {
		a.printEvent(fresh[i])
	}
	a.printed = len(st.Events)
}

func (a *ConsoleAgent) printEvent(e *realtime.Event) {
	body, err := a.render(e)
	if err != nil {
		a.logger.Error("rendering event", err, zap.String("type", string(e.Type)))
		return
	}
	direction := "⬇️ server"
	if e.IsClientEvent() {
		direction = "⬆️ client"
	}
	title := fmt.Sprintf("%s  %s", direction, e.Type)
	if e.EventId != "" {
		title += "  " + e.EventId
	}
	a.block(title, body)
}

func (a *ConsoleAgent) render(e *realtime.Event) (string, error) {
	if a.format == FormatJSON {
		data, err := e.MarshalJSON()
		if err != nil {
			return "", err
		}
		var flat map[string]any
		if err := sonic.Unmarshal(data, &flat); err != nil {
			return "", err
		}
		pretty, err := sonic.ConfigStd.MarshalIndent(flat, "", "  ")
		if err != nil {
			return "", err
		}
		return string(pretty), nil
	}
	data, err := e.MarshalYAML()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (a *ConsoleAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing to console", err)
	}
}

func (a *ConsoleAgent) block(title, body string) {
	if err := a.printer.Block(title, body, 0); err != nil {
		a.logger.Error("printing to console", err)
	}
}
