package fsm

// StateConfigBuilder configures the transitions out of one state
type StateConfigBuilder struct {
	sm     *StateMachine
	config *stateConfig
}

// Permit moves the machine to next when event fires in this state
func (b *StateConfigBuilder) Permit(event Event, next State) *StateConfigBuilder {
	b.sm.mu.Lock()
	defer b.sm.mu.Unlock()
	delete(b.config.ignored, event)
	b.config.targets[event] = next
	return b
}

// Ignore accepts event in this state without a transition
func (b *StateConfigBuilder) Ignore(event Event) *StateConfigBuilder {
	b.sm.mu.Lock()
	defer b.sm.mu.Unlock()
	delete(b.config.targets, event)
	b.config.ignored[event] = true
	return b
}
