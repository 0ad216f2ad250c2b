package sync

import "sync"

// ConnectionStateCallback observes transport connection transitions.
type ConnectionStateCallback func(oldState, newState ConnectionState)

type connCallback struct {
	fn    ConnectionStateCallback
	token uint64
}

const npos = -1

// ConnectionChangeNotifier is a registry of connection-state callbacks
// that tolerates callbacks adding or removing registrations from within
// an invocation. Iteration goes through a cursor index adjusted by
// RemoveCallback so a concurrent removal cannot skip or repeat entries,
// and the mutex is released around each individual invocation.
type ConnectionChangeNotifier struct {
	mu        sync.Mutex
	callbacks []connCallback
	nextToken uint64
	index     int
	count     int
}

// AddCallback registers fn and returns a token for removal.
func (n *ConnectionChangeNotifier) AddCallback(fn ConnectionStateCallback) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.callbacks == nil {
		n.index = npos
	}

	n.nextToken++
	token := n.nextToken
	n.callbacks = append(n.callbacks, connCallback{fn: fn, token: token})

	return token
}

// RemoveCallback unregisters a callback. Safe to call from within a
// callback invocation, including removing the running callback itself.
func (n *ConnectionChangeNotifier) RemoveCallback(token uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, cb := range n.callbacks {
		if cb.token != token {
			continue
		}

		if n.index != npos && n.index >= i {
			n.index--
		}

		if n.count > 0 {
			n.count--
		}

		n.callbacks = append(n.callbacks[:i], n.callbacks[i+1:]...)

		return
	}
}

// InvokeCallbacks delivers a state transition to every registered
// callback.
func (n *ConnectionChangeNotifier) InvokeCallbacks(oldState, newState ConnectionState) {
	n.mu.Lock()
	n.count = len(n.callbacks)

	for n.index++; n.index < n.count; n.index++ {
		// Take a local reference so a removal from within the callback
		// cannot invalidate it.
		fn := n.callbacks[n.index].fn

		n.mu.Unlock()
		fn(oldState, newState)
		n.mu.Lock()
	}

	n.index = npos
	n.mu.Unlock()
}
