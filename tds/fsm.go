package tds

import "fmt"

// StateName identifies one of the Connection FSM's nine states.
type StateName string

const (
	StateConnecting                   StateName = "Connecting"
	StateSentPrelogin                 StateName = "SentPrelogin"
	StateSentTLSSSLNegotiation        StateName = "SentTLSSSLNegotiation"
	StateSentLogin7WithStandardLogin  StateName = "SentLogin7WithStandardLogin"
	StateLoggedInSendingInitialSql    StateName = "LoggedInSendingInitialSql"
	StateLoggedIn                     StateName = "LoggedIn"
	StateSentClientRequest            StateName = "SentClientRequest"
	StateSentAttention                StateName = "SentAttention"
	StateFinal                        StateName = "Final"
)

// EventName identifies an FSM input event.
type EventName string

const (
	EventSocketConnect  EventName = "socketConnect"
	EventSocketError    EventName = "socketError"
	EventConnectTimeout EventName = "connectTimeout"
	EventData           EventName = "data"
	EventMessage        EventName = "message"
	EventNoTLS          EventName = "noTls"
	EventTLS            EventName = "tls"
	EventTLSNegotiated  EventName = "tlsNegotiated"
	EventLoggedIn       EventName = "loggedIn"
	EventLoginFailed    EventName = "loginFailed"
)

// Event is one FSM input: a name plus an optional payload (bytes for
// `data`, nothing for the rest).
type Event struct {
	Name EventName
	Data []byte
}

// handler is a state's response to one event: it may act on the
// Connection and returns the name of the state to transition to, or ""
// to stay in the current state.
type handler func(c *Connection, ev Event) (StateName, error)

// State is an immutable FSM node: an optional entry action plus a table
// mapping legal event names to handlers. Dispatching an event with no
// entry in the table is a programming error per invariant I1.
type State struct {
	Name  StateName
	Enter func(c *Connection) error
	Exit  func(c *Connection) error
	On    map[EventName]handler
}

// unexpectedEventError is returned when the current state has no handler
// for a dispatched event; invariant I1 treats this as fatal.
type unexpectedEventError struct {
	State StateName
	Event EventName
}

func (e *unexpectedEventError) Error() string {
	return fmt.Sprintf("tds: unexpected event %q in state %q", e.Event, e.State)
}

// fsm runs the nine-state machine described in spec §4.1. It holds no
// state of its own beyond the current state name; all domain state lives
// on the owning Connection, which is the sole mutator (spec §5).
type fsm struct {
	states  map[StateName]*State
	current StateName
}

func newFSM(states []*State, initial StateName) *fsm {
	m := &fsm{states: make(map[StateName]*State, len(states))}
	for _, s := range states {
		m.states[s.Name] = s
	}
	m.current = initial
	return m
}

// Current returns the name of the active state.
func (m *fsm) Current() StateName {
	return m.current
}

// dispatch delivers ev to the current state's handler and performs any
// resulting transition, running Exit on the old state and Enter on the
// new one. Returns the unexpectedEventError if the state has no handler
// for ev — callers treat that as fatal (invariant I1).
func (m *fsm) dispatch(c *Connection, ev Event) error {
	state, ok := m.states[m.current]
	if !ok {
		return fmt.Errorf("tds: fsm in unknown state %q", m.current)
	}

	h, ok := state.On[ev.Name]
	if !ok {
		return &unexpectedEventError{State: m.current, Event: ev.Name}
	}

	next, err := h(c, ev)
	if err != nil {
		return err
	}
	if next == "" || next == m.current {
		return nil
	}
	return m.transition(c, next)
}

// transition moves directly to next, running Exit/Enter hooks. Used both
// by dispatch's handler-returned transitions and by forced transitions
// (e.g. Close() forcing Final).
func (m *fsm) transition(c *Connection, next StateName) error {
	from := m.current
	fromState := m.states[from]
	toState, ok := m.states[next]
	if !ok {
		return fmt.Errorf("tds: fsm transition to unknown state %q", next)
	}

	if fromState != nil && fromState.Exit != nil {
		if err := fromState.Exit(c); err != nil {
			return err
		}
	}

	m.current = next
	c.logTransition(from, next)

	if toState.Enter != nil {
		return toState.Enter(c)
	}
	return nil
}
