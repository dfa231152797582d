package fsm

import (
	"errors"
	"sync"
	"testing"
)

const (
	stateIdle    State = "Idle"
	stateActive  State = "Active"
	stateStopped State = "Stopped"

	eventStart Event = "Start"
	eventStop  Event = "Stop"
	eventPing  Event = "Ping"
)

func newTestMachine() *StateMachine {
	sm := New("machine-1", stateIdle)
	sm.Configure(stateIdle).
		Permit(eventStart, stateActive).
		Permit(eventStop, stateStopped)
	sm.Configure(stateActive).
		Permit(eventStop, stateStopped).
		Ignore(eventPing)
	return sm
}

func TestStateMachine_Transitions(t *testing.T) {
	sm := newTestMachine()

	var seen []TransitionContext
	sm.OnTransition(func(tc TransitionContext) { seen = append(seen, tc) })

	state, err := sm.Fire(eventStart)
	if err != nil || state != stateActive {
		t.Fatalf("Fire(Start) = %s, %v, want Active", state, err)
	}
	if state, err = sm.Fire(eventStop); err != nil || state != stateStopped {
		t.Fatalf("Fire(Stop) = %s, %v, want Stopped", state, err)
	}

	want := []TransitionContext{
		{Machine: "machine-1", Event: eventStart, From: stateIdle, To: stateActive},
		{Machine: "machine-1", Event: eventStop, From: stateActive, To: stateStopped},
	}
	if len(seen) != len(want) {
		t.Fatalf("listener saw %d transitions, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestStateMachine_UndefinedEvent(t *testing.T) {
	sm := newTestMachine()

	_, err := sm.Fire(eventPing)
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.Event != eventPing || terr.State != stateIdle {
		t.Errorf("Fire(Ping) in Idle error = %v, want TransitionError", err)
	}
	if sm.CurrentState() != stateIdle {
		t.Errorf("CurrentState() = %s after rejected event, want Idle", sm.CurrentState())
	}

	// a state with no configuration rejects everything
	sm.Fire(eventStop)
	if _, err := sm.Fire(eventStart); !errors.As(err, &terr) {
		t.Errorf("Fire(Start) in Stopped error = %v, want TransitionError", err)
	}
}

func TestStateMachine_Ignore(t *testing.T) {
	sm := newTestMachine()
	sm.Fire(eventStart)

	calls := 0
	sm.OnTransition(func(TransitionContext) { calls++ })

	state, err := sm.Fire(eventPing)
	if err != nil || state != stateActive {
		t.Errorf("Fire(Ping) = %s, %v, want Active, nil", state, err)
	}
	if calls != 0 {
		t.Errorf("listener called %d times for an ignored event", calls)
	}
}

func TestStateMachine_ReconfigureOverrides(t *testing.T) {
	sm := New("m", stateIdle)
	sm.Configure(stateIdle).Ignore(eventStart).Permit(eventStart, stateActive)
	if state, _ := sm.Fire(eventStart); state != stateActive {
		t.Errorf("Permit after Ignore: state = %s, want Active", state)
	}

	sm = New("m", stateIdle)
	sm.Configure(stateIdle).Permit(eventStart, stateActive).Ignore(eventStart)
	if state, _ := sm.Fire(eventStart); state != stateIdle {
		t.Errorf("Ignore after Permit: state = %s, want Idle", state)
	}
}

func TestStateMachine_ConcurrentFire(t *testing.T) {
	sm := New("counter", stateIdle)
	sm.Configure(stateIdle).Permit(eventStart, stateActive)
	sm.Configure(stateActive).Permit(eventStop, stateIdle)

	var mu sync.Mutex
	transitions := 0
	sm.OnTransition(func(TransitionContext) {
		mu.Lock()
		transitions++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); sm.Fire(eventStart) }()
		go func() { defer wg.Done(); sm.Fire(eventStop) }()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if transitions == 0 || transitions > 100 {
		t.Errorf("transitions = %d, want 1..100", transitions)
	}
}
