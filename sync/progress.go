package sync

import "sync"

// ProgressDirection selects which transfer direction a progress
// notifier observes.
type ProgressDirection int

const (
	ProgressDirectionUpload ProgressDirection = iota
	ProgressDirectionDownload
)

// ProgressFunc receives transfer progress. transferrable is the
// denominator against which a percentage can be computed; for one-shot
// notifiers it is frozen at registration time.
type ProgressFunc func(transferred, transferrable uint64)

type progressSnapshot struct {
	uploadable      uint64
	downloadable    uint64
	uploaded        uint64
	downloaded      uint64
	snapshotVersion uint64
}

type notifierPackage struct {
	fn          ProgressFunc
	direction   ProgressDirection
	isStreaming bool

	// captured is the frozen transferrable count for one-shot
	// notifiers, valid once capturedSet is true.
	captured    uint64
	capturedSet bool

	// localVersion is the local transaction version at registration
	// time; upload notifiers defer firing until the sync engine has
	// caught up to it.
	localVersion uint64
}

// ProgressNotifier tracks cumulative transfer counters and fans them
// out to registered callbacks. It has its own mutex; there is no nested
// locking with the session mutex.
type ProgressNotifier struct {
	mu           sync.Mutex
	nextToken    uint64
	packages     map[uint64]*notifierPackage
	current      *progressSnapshot
	localVersion uint64
}

// RegisterCallback registers fn and returns its token. If a progress
// snapshot already exists, fn is invoked immediately with it; a
// one-shot notifier that is already satisfied fires once and is not
// registered, in which case the returned token is zero.
func (n *ProgressNotifier) RegisterCallback(fn ProgressFunc, direction ProgressDirection, isStreaming bool) uint64 {
	var invocation func()

	n.mu.Lock()
	n.nextToken++
	token := n.nextToken

	pkg := &notifierPackage{
		fn:           fn,
		direction:    direction,
		isStreaming:  isStreaming,
		localVersion: n.localVersion,
	}

	if n.packages == nil {
		n.packages = make(map[uint64]*notifierPackage)
	}

	if n.current == nil {
		// No data yet; defer the first invocation to the first update.
		n.packages[token] = pkg
		n.mu.Unlock()

		return token
	}

	var expired bool

	invocation, expired = pkg.createInvocation(*n.current)
	if expired {
		token = 0
	} else {
		n.packages[token] = pkg
	}
	n.mu.Unlock()

	invocation()

	return token
}

// UnregisterCallback removes a registered callback. Unknown tokens are
// ignored.
func (n *ProgressNotifier) UnregisterCallback(token uint64) {
	n.mu.Lock()
	delete(n.packages, token)
	n.mu.Unlock()
}

// Update stores a new progress snapshot and notifies every registered
// package. Updates with downloadVersion == 0 precede the first
// DOWNLOAD message and are ignored entirely.
func (n *ProgressNotifier) Update(downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion uint64) {
	if downloadVersion == 0 {
		return
	}

	var invocations []func()

	n.mu.Lock()
	n.current = &progressSnapshot{
		uploadable:      uploadable,
		downloadable:    downloadable,
		uploaded:        uploaded,
		downloaded:      downloaded,
		snapshotVersion: snapshotVersion,
	}

	for token, pkg := range n.packages {
		invocation, expired := pkg.createInvocation(*n.current)
		invocations = append(invocations, invocation)

		if expired {
			delete(n.packages, token)
		}
	}
	n.mu.Unlock()

	// Run the notifiers only after the lock is released.
	for _, invocation := range invocations {
		invocation()
	}
}

// SetLocalVersion records the latest locally committed transaction
// version, gating upload notifiers whose uploadable count would
// otherwise be computed from stale data.
func (n *ProgressNotifier) SetLocalVersion(version uint64) {
	n.mu.Lock()
	n.localVersion = version
	n.mu.Unlock()
}

// createInvocation computes the callback invocation for the given
// snapshot. expired reports that a one-shot notifier has transferred at
// least as many bytes as were originally considered transferrable and
// must be removed after firing.
func (p *notifierPackage) createInvocation(current progressSnapshot) (invocation func(), expired bool) {
	isDownload := p.direction == ProgressDirectionDownload

	var transferrable uint64

	switch {
	case p.isStreaming:
		if isDownload {
			transferrable = current.downloadable
		} else {
			transferrable = current.uploadable
		}

	case p.capturedSet:
		transferrable = p.captured

	default:
		if isDownload {
			p.captured = current.downloadable
		} else {
			// If the sync engine has not yet processed all local
			// transactions the uploadable count is incorrect; defer
			// firing this cycle.
			if p.localVersion > current.snapshotVersion {
				return func() {}, false
			}

			p.captured = current.uploadable
		}

		p.capturedSet = true
		transferrable = p.captured
	}

	transferred := current.uploaded
	if isDownload {
		transferred = current.downloaded
	}

	expired = !p.isStreaming && transferred >= transferrable
	fn := p.fn

	return func() { fn(transferred, transferrable) }, expired
}
