package wallet

import (
	"errors"
	"sync"
)

// txKind identifies which of the three transaction FSMs a transactionFSM
// instance is running.
type txKind int

const (
	txMint txKind = iota
	txMelt
	txSwap
)

func (k txKind) String() string {
	switch k {
	case txMint:
		return "mint"
	case txMelt:
		return "melt"
	case txSwap:
		return "swap"
	default:
		return "unknown"
	}
}

// Per-kind state names, spelled out so a recorded history reads the same
// way the protocol's own state diagrams do.
const (
	stateIdle       = "idle"
	stateComplete   = "complete"
	stateFailed     = "failed"

	stateMintRequestingQuote   = "requestingQuote"
	stateMintAwaitingPayment   = "awaitingPayment"
	stateMintCheckingPayment   = "checkingPayment"
	stateMintMinting           = "minting"

	stateMeltingRequestingQuote = "requestingQuote"
	stateMeltingPreparingProofs = "preparingProofs"
	stateMelting                = "melting"

	stateSwapPreparingInputs  = "preparingInputs"
	stateSwapPreparingOutputs = "preparingOutputs"
	stateSwapSwapping         = "swapping"
)

// txTransition is one recorded edge in a transactionFSM's history.
type txTransition struct {
	From string
	To   string
}

// transactionFSM tracks one in-flight mint/melt/swap operation: its current
// state, a typed metadata bag (quote id, amount, blinded messages...), and
// an ordered history of transitions for post-mortem inspection. Terminal
// states are "complete" and "failed"; isTerminal reports whether a fresh
// transaction FSM may now be started.
type transactionFSM struct {
	mu       sync.Mutex
	kind     txKind
	state    string
	history  []txTransition
	metadata map[string]interface{}
	err      error
}

func newTransactionFSM(kind txKind) *transactionFSM {
	return &transactionFSM{kind: kind, state: stateIdle, metadata: make(map[string]interface{})}
}

func (f *transactionFSM) transition(to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, txTransition{From: f.state, To: to})
	f.state = to
}

func (f *transactionFSM) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.transition(stateFailed)
}

func (f *transactionFSM) complete() {
	f.transition(stateComplete)
}

func (f *transactionFSM) isTerminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateComplete || f.state == stateFailed
}

func (f *transactionFSM) isIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateIdle
}

// txCoordinator enforces that at most one transaction FSM is in a non-idle,
// non-terminal state at any time, and drives the parent wallet state
// machine's ready<->transacting edge around the active FSM's lifetime.
type txCoordinator struct {
	mu     sync.Mutex
	active *transactionFSM
	wsm    *stateMachine
}

func newTxCoordinator(wsm *stateMachine) *txCoordinator {
	return &txCoordinator{wsm: wsm}
}

// begin registers fsm as the active transaction and advances the parent
// machine to transacting. Returns an error without mutating anything if
// another transaction is already active, or if the parent machine itself
// rejects the transition (e.g. wallet is locked).
func (c *txCoordinator) begin(fsm *transactionFSM) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.isTerminal() {
		return errors.New("another transaction is already in progress")
	}
	if err := c.wsm.fire(eventStartTransaction); err != nil {
		return err
	}
	c.active = fsm
	return nil
}

// end releases fsm as the active transaction and returns the parent
// machine to ready. Safe to call even if fsm never reached a terminal
// state (e.g. a panic recovery path): callers are expected to have called
// fsm.fail or fsm.complete first, but end does not require it.
func (c *txCoordinator) end(fsm *transactionFSM) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == fsm {
		c.active = nil
	}
	c.wsm.fire(eventTransactionComplete)
}
