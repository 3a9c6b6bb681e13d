package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// Device is the registry's view of one client. Values in the registry's
// snapshot are immutable copies.
type Device struct {
	ID            string
	Type          string
	RoomID        string
	Capabilities  Capabilities
	IsStationary  bool
	Online        bool
	Status        string
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// displayArea is the tie-break metric for audio-output routing.
func (d Device) displayArea() int {
	if !d.Capabilities.HasDisplay {
		return 0
	}
	area := d.Capabilities.DisplayWidth * d.Capabilities.DisplayHeight
	if area == 0 {
		// A display with unreported dimensions still beats no display.
		return 1
	}
	return area
}

// DeviceRegistry tracks known devices. Writes take the registry lock and
// swap a fresh immutable snapshot; reads of the snapshot are lock-free.
type DeviceRegistry struct {
	mu       sync.Mutex
	devices  map[string]*Device
	snapshot atomic.Pointer[[]Device]
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	r := &DeviceRegistry{devices: make(map[string]*Device)}
	empty := make([]Device, 0)
	r.snapshot.Store(&empty)
	return r
}

// Upsert registers or updates a device by id and marks it online.
// Re-registering an existing id updates capabilities and room in place; it
// never creates a second entry. The stored device is returned.
func (r *DeviceRegistry) Upsert(d Device) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[d.ID]
	now := time.Now()
	if !ok {
		d.Online = true
		d.Status = "idle"
		d.LastHeartbeat = now
		d.RegisteredAt = now
		stored := d
		r.devices[d.ID] = &stored
		r.swapLocked()
		return stored
	}

	existing.Type = d.Type
	existing.Capabilities = d.Capabilities
	existing.IsStationary = d.IsStationary
	if d.RoomID != "" {
		existing.RoomID = d.RoomID
	}
	existing.Online = true
	existing.LastHeartbeat = now
	r.swapLocked()
	return *existing
}

// Heartbeat updates liveness and reported status. Unknown devices are
// ignored.
func (r *DeviceRegistry) Heartbeat(deviceID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.LastHeartbeat = time.Now()
	d.Online = true
	if status != "" {
		d.Status = status
	}
	r.swapLocked()
}

// MarkOffline flags the device offline without removing it.
func (r *DeviceRegistry) MarkOffline(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok && d.Online {
		d.Online = false
		r.swapLocked()
	}
}

// SweepOffline marks devices whose last heartbeat is older than tolerance as
// offline and returns their ids. It only updates liveness; connections are
// never closed on a missed heartbeat.
func (r *DeviceRegistry) SweepOffline(tolerance time.Duration) []string {
	cutoff := time.Now().Add(-tolerance)

	r.mu.Lock()
	defer r.mu.Unlock()
	var swept []string
	for id, d := range r.devices {
		if d.Online && d.LastHeartbeat.Before(cutoff) {
			d.Online = false
			swept = append(swept, id)
		}
	}
	if len(swept) > 0 {
		r.swapLocked()
	}
	return swept
}

// Get returns a copy of the device.
func (r *DeviceRegistry) Get(deviceID string) (Device, bool) {
	for _, d := range r.Snapshot() {
		if d.ID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}

// Snapshot returns the current immutable device list without locking.
func (r *DeviceRegistry) Snapshot() []Device {
	return *r.snapshot.Load()
}

// swapLocked rebuilds the immutable snapshot. Caller holds r.mu.
func (r *DeviceRegistry) swapLocked() {
	snap := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		snap = append(snap, *d)
	}
	r.snapshot.Store(&snap)
}

// RouteAudioOutput picks the device that should play a turn's synthesized
// audio:
//
//  1. a stationary origin with a speaker plays its own audio;
//  2. otherwise the best online speaker-capable sibling in the origin's room
//     (largest display first, most recent heartbeat on ties);
//  3. otherwise the origin itself if it has a speaker;
//  4. otherwise nobody, and TTS is skipped.
func RouteAudioOutput(origin Device, snapshot []Device) (Device, bool) {
	if origin.IsStationary && origin.Capabilities.HasSpeaker {
		return origin, true
	}

	var best Device
	found := false
	for _, d := range snapshot {
		if d.ID == origin.ID || !d.Online || d.RoomID != origin.RoomID || !d.Capabilities.HasSpeaker {
			continue
		}
		if !found || betterAudioTarget(d, best) {
			best = d
			found = true
		}
	}
	if found {
		return best, true
	}

	if origin.Capabilities.HasSpeaker {
		return origin, true
	}
	return Device{}, false
}

func betterAudioTarget(a, b Device) bool {
	if aa, ba := a.displayArea(), b.displayArea(); aa != ba {
		return aa > ba
	}
	return a.LastHeartbeat.After(b.LastHeartbeat)
}
