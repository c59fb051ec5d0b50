// Package bus serialises access to the shared physical buses.
//
// CAN discovery, reboot and flashing on one interface corrupt each
// other when interleaved, and dfu-util -l contends with an in-progress
// DFU download, so each bus gets one process-wide lock held for the
// whole operation. The status API never blocks on these locks: it asks
// Busy() and reports bus_busy instead.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Lock is a mutex whose held state can be observed without blocking.
// It is not reentrant.
type Lock struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (l *Lock) Lock() {
	l.mu.Lock()
	l.held.Store(true)
}

func (l *Lock) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

// Busy reports whether the lock is currently held. It never blocks.
func (l *Lock) Busy() bool {
	return l.held.Load()
}

// Cache TTLs. Short enough that the fleet view feels live, long enough
// that UI polling does not hammer the bus tools.
const (
	CANCacheTTL = 2 * time.Second
	DFUCacheTTL = 1 * time.Second
)

// Arbiter bundles the two bus locks and the discovery result caches
// that sit behind them.
type Arbiter struct {
	CAN Lock
	DFU Lock

	// canCache is keyed by interface name; dfuCache holds a single
	// entry under dfuKey.
	canCache *expirable.LRU[string, []CachedDevice]
	dfuCache *expirable.LRU[string, []CachedDevice]
}

// CachedDevice is the discovery result shape shared by both caches.
// Discover owns the semantics; the arbiter only stores it.
type CachedDevice struct {
	ID          string
	Name        string
	Type        string
	Mode        string
	Application string
	Interface   string
	VidPid      string
	Path        string
	Serial      string
}

const dfuKey = "dfu"

func NewArbiter() *Arbiter {
	return &Arbiter{
		canCache: expirable.NewLRU[string, []CachedDevice](8, nil, CANCacheTTL),
		dfuCache: expirable.NewLRU[string, []CachedDevice](1, nil, DFUCacheTTL),
	}
}

func (a *Arbiter) CANCached(iface string) ([]CachedDevice, bool) {
	return a.canCache.Get(iface)
}

func (a *Arbiter) StoreCAN(iface string, devices []CachedDevice) {
	a.canCache.Add(iface, devices)
}

// InvalidateCAN drops the cached discovery for one interface, called
// after any state-changing operation on that bus.
func (a *Arbiter) InvalidateCAN(iface string) {
	a.canCache.Remove(iface)
}

func (a *Arbiter) DFUCached() ([]CachedDevice, bool) {
	return a.dfuCache.Get(dfuKey)
}

func (a *Arbiter) StoreDFU(devices []CachedDevice) {
	a.dfuCache.Add(dfuKey, devices)
}

func (a *Arbiter) InvalidateDFU() {
	a.dfuCache.Remove(dfuKey)
}
