package ingest

import (
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// Health is the shared health record for one live peer. The handler keeps
// its own authoritative counters; updates flow one way, handler to record.
type Health struct {
	ConnID      uint64
	ConnectedAt time.Time

	mu          sync.Mutex
	lastData    time.Time
	totalBytes  uint64
	packetCount uint64
	alive       bool
	lastErr     string

	removal atomic.Bool
}

func (h *Health) touch(n int, now time.Time) {
	h.mu.Lock()
	h.lastData = now
	h.totalBytes += uint64(n)
	h.alive = true
	h.mu.Unlock()
}

func (h *Health) markFrame() {
	h.mu.Lock()
	h.packetCount++
	h.mu.Unlock()
}

func (h *Health) setError(msg string) {
	h.mu.Lock()
	h.lastErr = msg
	h.alive = false
	h.mu.Unlock()
}

func (h *Health) lastDataAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastData
}

// beginRemoval wins at most once per connection. Every cleanup path (handler
// exit, watchdog reap, admin disconnect, duplicate-admission preemption,
// server stop) must win it before touching the registry tables.
func (h *Health) beginRemoval() bool {
	return h.removal.CompareAndSwap(false, true)
}

// HealthInfo is the public snapshot of a Health record.
type HealthInfo struct {
	IP                   string `json:"ip"`
	ConnID               uint64 `json:"conn_id"`
	ConnectedAt          int64  `json:"connected_at"`
	LastDataReceived     int64  `json:"last_data_received"`
	TotalBytes           uint64 `json:"total_bytes"`
	PacketCount          uint64 `json:"packet_count"`
	IsAlive              bool   `json:"is_alive"`
	LastError            string `json:"last_error,omitempty"`
	ConnectedSecs        int64  `json:"connected_secs"`
	SecondsSinceLastData int64  `json:"seconds_since_last_data"`
}

func (h *Health) snapshot(ip string, now time.Time) HealthInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthInfo{
		IP:                   ip,
		ConnID:               h.ConnID,
		ConnectedAt:          h.ConnectedAt.Unix(),
		LastDataReceived:     h.lastData.Unix(),
		TotalBytes:           h.totalBytes,
		PacketCount:          h.packetCount,
		IsAlive:              h.alive,
		LastError:            h.lastErr,
		ConnectedSecs:        int64(now.Sub(h.ConnectedAt).Seconds()),
		SecondsSinceLastData: int64(now.Sub(h.lastData).Seconds()),
	}
}

// PLCInfo pairs a known peer IP with its current status.
type PLCInfo struct {
	IP     string `json:"ip"`
	Status string `json:"status"` // connected | disconnected | blocked
}

// handle lets other tasks abort a live handler: cancel its context and
// close the socket out from under any pending read.
type handle struct {
	cancel context.CancelFunc
	conn   net.Conn
}

func (h *handle) abort() {
	h.cancel()
	_ = h.conn.Close()
}

// registry is the single source of truth for which peers are live, which
// are banned, and what we last heard from each. One mutex guards all peer
// tables so cross-table invariants hold atomically per operation; hot-path
// counters are atomics.
type registry struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	ipToID    map[string]uint64
	health    map[string]*Health
	handles   map[string]*handle
	connected []string
	unique    map[string]struct{}
	blacklist map[string]struct{}
	bytes     map[string]uint64

	latest *ttlcache.Cache[string, *frame.Packet]

	nextID   atomic.Uint64
	active   atomic.Int64
	total    atomic.Uint64
	lastData atomic.Int64 // unix seconds of the most recent read, any peer
}

func newRegistry(clock clockwork.Clock) *registry {
	latest := ttlcache.New(
		ttlcache.WithTTL[string, *frame.Packet](latestDataTTL),
	)
	go latest.Start()

	return &registry{
		clock:     clock,
		ipToID:    make(map[string]uint64),
		health:    make(map[string]*Health),
		handles:   make(map[string]*handle),
		unique:    make(map[string]struct{}),
		blacklist: make(map[string]struct{}),
		bytes:     make(map[string]uint64),
		latest:    latest,
	}
}

func (r *registry) close() {
	r.latest.Stop()
}

func (r *registry) isBlacklisted(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blacklist[ip]
	return ok
}

func (r *registry) addToBlacklist(ip string) {
	r.mu.Lock()
	r.blacklist[ip] = struct{}{}
	r.mu.Unlock()
}

func (r *registry) removeFromBlacklist(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blacklist[ip]; !ok {
		return false
	}
	delete(r.blacklist, ip)
	return true
}

// register installs a new peer. A conn id is reused when the IP has been
// seen before; dialed connections pass withID=false and keep id 0.
func (r *registry) register(ip string, hd *handle, now time.Time, withID bool) *Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint64
	if withID {
		var ok bool
		id, ok = r.ipToID[ip]
		if !ok {
			id = r.nextID.Add(1)
			r.ipToID[ip] = id
		}
	}

	h := &Health{
		ConnID:      id,
		ConnectedAt: now,
		lastData:    now,
		alive:       true,
	}
	r.health[ip] = h
	r.handles[ip] = hd
	if !slices.Contains(r.connected, ip) {
		r.connected = append(r.connected, ip)
	}
	r.unique[ip] = struct{}{}

	r.active.Add(1)
	r.total.Add(1)
	return h
}

// lookup fetches the live records for ip without removing them.
func (r *registry) lookup(ip string) (*Health, *handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[ip]
	if !ok {
		return nil, nil, false
	}
	return h, r.handles[ip], true
}

// completeRemoval drops ip from the live tables. Callers must have won the
// removal CAS on the peer's Health first.
func (r *registry) completeRemoval(ip string) {
	r.mu.Lock()
	delete(r.health, ip)
	delete(r.handles, ip)
	if i := slices.Index(r.connected, ip); i >= 0 {
		r.connected = slices.Delete(r.connected, i, i+1)
	}
	r.mu.Unlock()
	r.decActive()
}

// remove runs the full removal policy for ip. Exactly one caller wins; the
// rest see ok=false and must not emit lifecycle events.
func (r *registry) remove(ip string) (*Health, *handle, bool) {
	h, hd, ok := r.lookup(ip)
	if !ok || !h.beginRemoval() {
		return nil, nil, false
	}
	r.completeRemoval(ip)
	return h, hd, true
}

func (r *registry) decActive() {
	for {
		v := r.active.Load()
		if v <= 0 {
			return
		}
		if r.active.CompareAndSwap(v, v-1) {
			return
		}
	}
}

// clearLive tears down every live peer, for server stop. Returns the
// aborted handles' IPs.
func (r *registry) clearLive() []string {
	r.mu.Lock()
	ips := make([]string, 0, len(r.handles))
	for ip, hd := range r.handles {
		if h := r.health[ip]; h == nil || h.beginRemoval() {
			hd.abort()
			ips = append(ips, ip)
		}
	}
	r.health = make(map[string]*Health)
	r.handles = make(map[string]*handle)
	r.connected = nil
	r.mu.Unlock()
	r.active.Store(0)
	return ips
}

func (r *registry) recordRead(ip string, h *Health, n int, now time.Time) {
	r.lastData.Store(now.Unix())
	h.touch(n, now)
	r.mu.Lock()
	r.bytes[ip] += uint64(n)
	r.mu.Unlock()
}

func (r *registry) setLatest(pkt *frame.Packet) {
	r.latest.Set(pkt.IP, pkt, ttlcache.DefaultTTL)
}

func (r *registry) latestFor(ip string) (*frame.Packet, bool) {
	item := r.latest.Get(ip)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (r *registry) allLatest() map[string]*frame.Packet {
	out := make(map[string]*frame.Packet, r.latest.Len())
	for _, item := range r.latest.Items() {
		out[item.Key()] = item.Value()
	}
	return out
}

func (r *registry) resetBytes() {
	r.mu.Lock()
	r.bytes = make(map[string]uint64)
	r.mu.Unlock()
}

func (r *registry) bytesReceived() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.bytes))
	for ip, n := range r.bytes {
		out[ip] = n
	}
	return out
}

func (r *registry) connectedClients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.connected)
}

func (r *registry) uniqueCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.unique)
}

func (r *registry) knownPLCs() []PLCInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.unique)+len(r.blacklist))
	out := make([]PLCInfo, 0, len(r.unique)+len(r.blacklist))
	add := func(ip string) {
		if _, dup := seen[ip]; dup {
			return
		}
		seen[ip] = struct{}{}
		status := "disconnected"
		if _, ok := r.blacklist[ip]; ok {
			status = "blocked"
		} else if _, ok := r.health[ip]; ok {
			status = "connected"
		}
		out = append(out, PLCInfo{IP: ip, Status: status})
	}
	for ip := range r.unique {
		add(ip)
	}
	for ip := range r.blacklist {
		add(ip)
	}
	slices.SortFunc(out, func(a, b PLCInfo) int {
		if a.IP < b.IP {
			return -1
		}
		if a.IP > b.IP {
			return 1
		}
		return 0
	})
	return out
}

func (r *registry) healthSnapshots(now time.Time) []HealthInfo {
	r.mu.RLock()
	ips := make([]string, 0, len(r.health))
	records := make([]*Health, 0, len(r.health))
	for ip, h := range r.health {
		ips = append(ips, ip)
		records = append(records, h)
	}
	r.mu.RUnlock()

	out := make([]HealthInfo, 0, len(records))
	for i, h := range records {
		out = append(out, h.snapshot(ips[i], now))
	}
	return out
}

// staleIPs lists live peers past the inactivity limit whose removal has not
// started yet.
func (r *registry) staleIPs(now time.Time, limit time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for ip, h := range r.health {
		if h.removal.Load() {
			continue
		}
		if now.Sub(h.lastDataAt()) > limit {
			out = append(out, ip)
		}
	}
	return out
}
