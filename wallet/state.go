package wallet

import (
	"fmt"
	"sync"
)

// WalletState is the parent wallet's coarse lifecycle position. Transitions
// are restricted to a fixed edge set; illegal events leave the state
// unchanged and return an error.
type WalletState int

const (
	StateUninitialized WalletState = iota
	StateInitializing
	StateReady
	StateTransacting
	StateLocked
	StateError
)

func (s WalletState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTransacting:
		return "transacting"
	case StateLocked:
		return "locked"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// stateEvent names the events legal on the parent machine. Strings, not an
// enum, because the event carries no payload worth a richer type and the
// transition table reads better spelled out.
type stateEvent string

const (
	eventInitialize            stateEvent = "initialize"
	eventInitializationComplete stateEvent = "initializationComplete"
	eventStartTransaction      stateEvent = "startTransaction"
	eventTransactionComplete   stateEvent = "transactionComplete"
	eventErrorOccurred         stateEvent = "errorOccurred"
	eventLock                  stateEvent = "lock"
	eventUnlock                stateEvent = "unlock"
	eventErrorResolved         stateEvent = "errorResolved"
	eventShutdown              stateEvent = "shutdown"
)

// StateTransition is one recorded edge of the parent wallet state machine's
// history.
type StateTransition struct {
	From      WalletState
	To        WalletState
	Event     string
	Timestamp int64
}

// legalEdges is the transition table for the parent wallet machine. "any"
// sources (errorOccurred, shutdown) are expanded at lookup time rather than
// stored once per source state.
var legalEdges = map[stateEvent]map[WalletState]WalletState{
	eventInitialize:             {StateUninitialized: StateInitializing},
	eventInitializationComplete: {StateInitializing: StateReady},
	eventStartTransaction:       {StateReady: StateTransacting},
	eventTransactionComplete:    {StateTransacting: StateReady},
	eventLock:                   {StateReady: StateLocked},
	eventUnlock:                 {StateLocked: StateReady},
	eventErrorResolved:          {StateError: StateReady},
}

// stateMachine is the parent wallet state machine: one exclusive current
// state, a transition history, and an optional async transition callback.
type stateMachine struct {
	mu       sync.Mutex
	state    WalletState
	history  []StateTransition
	onChange func(StateTransition)
	clock    func() int64
}

func newStateMachine(clock func() int64) *stateMachine {
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	return &stateMachine{state: StateUninitialized, clock: clock}
}

// OnTransition registers a callback invoked asynchronously, in a separate
// goroutine, after every successful transition. Overwrites any previous
// registration.
func (m *stateMachine) OnTransition(cb func(StateTransition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

func (m *stateMachine) Current() WalletState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) History() []StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateTransition, len(m.history))
	copy(out, m.history)
	return out
}

// fire applies event, the only two "any source" events (errorOccurred,
// shutdown) are handled before the static table lookup.
func (m *stateMachine) fire(event stateEvent) error {
	m.mu.Lock()

	var to WalletState
	switch event {
	case eventErrorOccurred:
		to = StateError
	case eventShutdown:
		to = StateUninitialized
	default:
		edges, ok := legalEdges[event]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("unknown event %q", event)
		}
		next, ok := edges[m.state]
		if !ok {
			from := m.state
			m.mu.Unlock()
			return fmt.Errorf("illegal event %q in state %v", event, from)
		}
		to = next
	}

	transition := StateTransition{From: m.state, To: to, Event: string(event), Timestamp: m.clock()}
	m.state = to
	m.history = append(m.history, transition)
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		go cb(transition)
	}
	return nil
}
