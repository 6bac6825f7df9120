package util

// Collects cleanup functions so that a test can tear down everything it launched in one call.
type MultiTeardown struct {
	teardowns []func()
}

// Runs every registered teardown, most recently added first.
func (m *MultiTeardown) Teardown() {
	for i := len(m.teardowns) - 1; i >= 0; i-- {
		m.teardowns[i]()
	}
	m.teardowns = nil
}

func (m *MultiTeardown) Add(teardowns ...func()) {
	m.teardowns = append(m.teardowns, teardowns...)
}
