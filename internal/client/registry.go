package client

import (
	"sort"
	"sync"
	"time"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

// registry is the client's device table, populated from discovery replies.
// Devices are never removed; a device that stops answering is aged to
// offline but its record stays addressable.
type registry struct {
	mu      sync.RWMutex
	devices map[string]*hlp.Device
}

func newRegistry() *registry {
	return &registry{devices: make(map[string]*hlp.Device)}
}

// upsert records a discovery sighting. The device id is the dedup key: the
// first sighting creates the record and returns isNew=true; later sightings
// only refresh the descriptor, LastSeen, and the online status.
func (r *registry) upsert(resp *hlp.DiscoverResponse, addr string, seenAt time.Time) (dev hlp.Device, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[resp.DeviceID]
	if !ok {
		existing = &hlp.Device{ID: resp.DeviceID}
		r.devices[resp.DeviceID] = existing
		isNew = true
	}

	existing.Name = resp.Name
	existing.Manufacturer = resp.Manufacturer
	existing.Model = resp.Model
	existing.Serial = resp.Serial
	existing.Firmware = resp.Firmware
	existing.Address = addr
	existing.CommandPort = resp.CommandPort
	existing.Capabilities = resp.Capabilities
	existing.Status = hlp.StatusOnline
	existing.LastSeen = seenAt

	return *existing, isNew
}

// updateChannels refreshes live channel state from a status reply.
func (r *registry) updateChannels(deviceID string, channels []hlp.Channel, seenAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceID]
	if !ok {
		return
	}
	dev.Channels = channels
	dev.LastSeen = seenAt
	dev.Status = hlp.StatusOnline
}

// get returns a copy of the device record.
func (r *registry) get(deviceID string) (hlp.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[deviceID]
	if !ok {
		return hlp.Device{}, false
	}
	return *dev, true
}

// list returns copies of all device records, ordered by id.
func (r *registry) list() []hlp.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]hlp.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// markStale transitions online devices not seen since the cutoff to
// offline and returns copies of those that changed.
func (r *registry) markStale(cutoff time.Time) []hlp.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var aged []hlp.Device
	for _, dev := range r.devices {
		if dev.Status == hlp.StatusOnline && dev.LastSeen.Before(cutoff) {
			dev.Status = hlp.StatusOffline
			aged = append(aged, *dev)
		}
	}
	return aged
}
