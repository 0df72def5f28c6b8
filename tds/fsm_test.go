package tds

import (
	"errors"
	"testing"
)

const (
	testStateA StateName = "A"
	testStateB StateName = "B"
	testStateC StateName = "C"
)

const testEventGo EventName = "go"

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	cfg := &Config{Server: "127.0.0.1", Port: 1433}
	c, err := NewConnection(cfg)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	return c
}

func newSyntheticFSM(trace *[]string) *fsm {
	mark := func(name string) func(c *Connection) error {
		return func(c *Connection) error {
			*trace = append(*trace, name)
			return nil
		}
	}
	states := []*State{
		{
			Name: testStateA,
			Exit: mark("exitA"),
			On: map[EventName]handler{
				testEventGo: func(c *Connection, ev Event) (StateName, error) {
					return testStateB, nil
				},
			},
		},
		{
			Name:  testStateB,
			Enter: mark("enterB"),
			Exit:  mark("exitB"),
			On: map[EventName]handler{
				testEventGo: func(c *Connection, ev Event) (StateName, error) {
					return testStateC, nil
				},
			},
		},
		{
			Name:  testStateC,
			Enter: mark("enterC"),
			On:    map[EventName]handler{},
		},
	}
	return newFSM(states, testStateA)
}

func TestFSMDispatchTransitionsAndRunsHooksInOrder(t *testing.T) {
	c := newTestConnection(t)
	var trace []string
	m := newSyntheticFSM(&trace)

	if err := m.dispatch(c, Event{Name: testEventGo}); err != nil {
		t.Fatalf("dispatch A->B: %v", err)
	}
	if m.Current() != testStateB {
		t.Fatalf("Current() = %v, want %v", m.Current(), testStateB)
	}
	if want := []string{"exitA", "enterB"}; !equalTrace(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}

	if err := m.dispatch(c, Event{Name: testEventGo}); err != nil {
		t.Fatalf("dispatch B->C: %v", err)
	}
	if m.Current() != testStateC {
		t.Fatalf("Current() = %v, want %v", m.Current(), testStateC)
	}
	if want := []string{"exitA", "enterB", "exitB", "enterC"}; !equalTrace(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}

func TestFSMDispatchUnexpectedEventIsFatalPerInvariant(t *testing.T) {
	c := newTestConnection(t)
	var trace []string
	m := newSyntheticFSM(&trace)

	err := m.dispatch(c, Event{Name: EventName("no-such-event")})
	if err == nil {
		t.Fatal("expected an error for an event with no handler in the current state")
	}
	var unexpected *unexpectedEventError
	if !errors.As(err, &unexpected) {
		t.Fatalf("err = %v (%T), want *unexpectedEventError", err, err)
	}
	if unexpected.State != testStateA {
		t.Errorf("unexpected.State = %v, want %v", unexpected.State, testStateA)
	}
	if m.Current() != testStateA {
		t.Errorf("Current() = %v, want unchanged %v after a rejected event", m.Current(), testStateA)
	}
}

func TestFSMTransitionToUnknownStateIsAnError(t *testing.T) {
	c := newTestConnection(t)
	var trace []string
	m := newSyntheticFSM(&trace)

	if err := m.transition(c, StateName("nowhere")); err == nil {
		t.Fatal("expected an error transitioning to an undeclared state")
	}
}

func TestFSMDispatchSameStateReturnIsANoop(t *testing.T) {
	c := newTestConnection(t)
	var trace []string
	states := []*State{
		{
			Name: testStateA,
			Exit: func(c *Connection) error {
				trace = append(trace, "exitA")
				return nil
			},
			On: map[EventName]handler{
				testEventGo: func(c *Connection, ev Event) (StateName, error) {
					return "", nil // stay put
				},
			},
		},
	}
	m := newFSM(states, testStateA)

	if err := m.dispatch(c, Event{Name: testEventGo}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if m.Current() != testStateA {
		t.Fatalf("Current() = %v, want %v", m.Current(), testStateA)
	}
	if len(trace) != 0 {
		t.Fatalf("trace = %v, want no Exit/Enter hooks run for a same-state return", trace)
	}
}

func equalTrace(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
