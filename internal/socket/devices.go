package socket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wamd/internal/cache"
	"wamd/internal/store"
	"wamd/internal/wabinary"
	"wamd/internal/wajid"
)

const deviceCacheTTL = 5 * time.Minute

// DeviceRegistry maps user JIDs to their device JIDs, resolving misses with
// USync queries and caching results for five minutes.
type DeviceRegistry struct {
	socket Socket
	keys   *store.Keys
	store  *store.Store
	cache  *cache.Cache[string, []wajid.JID]
	log    *zap.Logger
}

// NewDeviceRegistry returns a registry over the given socket and stores.
func NewDeviceRegistry(socket Socket, keys *store.Keys, st *store.Store, log *zap.Logger) *DeviceRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceRegistry{
		socket: socket,
		keys:   keys,
		store:  st,
		cache:  cache.New[string, []wajid.JID](deviceCacheTTL, nil),
		log:    log,
	}
}

// Resolve returns the device JIDs for the given contacts. Our own companion
// device is never returned from discovery. With excludeSelf set, discovered
// device-0 entries are dropped and the input contacts are prepended verbatim
// so the caller can still address the primary handles.
func (r *DeviceRegistry) Resolve(ctx context.Context, contacts []wajid.JID, excludeSelf bool) ([]wajid.JID, error) {
	var cached []wajid.JID
	var missing []wajid.JID
	for _, contact := range contacts {
		devices, ok := r.cache.Get(contact.User)
		if ok {
			cached = append(cached, devices...)
		} else {
			missing = append(missing, contact)
		}
	}

	if len(missing) == 0 {
		if excludeSelf {
			return append(append([]wajid.JID(nil), contacts...), cached...), nil
		}
		return cached, nil
	}

	discovered, err := r.queryDevices(ctx, missing, excludeSelf)
	if err != nil {
		return nil, err
	}
	if excludeSelf {
		out := append([]wajid.JID(nil), contacts...)
		out = append(out, cached...)
		return append(out, discovered...), nil
	}
	return append(cached, discovered...), nil
}

// queryDevices issues a USync query for the given users.
func (r *DeviceRegistry) queryDevices(ctx context.Context, contacts []wajid.JID, excludeSelf bool) ([]wajid.JID, error) {
	users := make([]wabinary.Node, 0, len(contacts))
	for _, contact := range contacts {
		users = append(users, wabinary.New("user", wabinary.Attrs{"jid": contact.String()}))
	}
	body := wabinary.New("usync",
		wabinary.Attrs{
			"sid":     r.store.NextTag(),
			"mode":    "query",
			"last":    "true",
			"index":   "0",
			"context": "message",
		},
		wabinary.New("query", nil,
			wabinary.New("devices", wabinary.Attrs{"version": "2"}),
		),
		wabinary.New("list", nil, users...),
	)

	result, err := r.socket.SendQuery(ctx, "get", "usync", body)
	if err != nil {
		return nil, fmt.Errorf("socket: device query: %w", err)
	}
	return r.parseDevices(&result, excludeSelf)
}

// parseDevices walks the USync result, grouping discovered devices per user
// into the cache.
func (r *DeviceRegistry) parseDevices(result *wabinary.Node, excludeSelf bool) ([]wajid.JID, error) {
	var all []wajid.JID
	perUser := map[string][]wajid.JID{}

	for _, child := range result.Children() {
		list, ok := child.FindNode("list")
		if !ok {
			continue
		}
		for _, user := range list.Children() {
			devices, err := r.parseUser(&user, excludeSelf)
			if err != nil {
				return nil, err
			}
			for _, device := range devices {
				perUser[device.User] = append(perUser[device.User], device)
			}
			all = append(all, devices...)
		}
	}

	for user, devices := range perUser {
		r.cache.Put(user, devices)
	}
	return all, nil
}

func (r *DeviceRegistry) parseUser(wrapper *wabinary.Node, excludeSelf bool) ([]wajid.JID, error) {
	jid, err := wrapper.Attrs.JID("jid")
	if err != nil {
		return nil, fmt.Errorf("socket: sync device: %w", err)
	}
	devices, ok := wrapper.FindNode("devices")
	if !ok {
		return nil, fmt.Errorf("socket: missing devices for %s", jid)
	}
	deviceList, ok := devices.FindNode("device-list")
	if !ok {
		return nil, fmt.Errorf("socket: missing device list for %s", jid)
	}

	var out []wajid.JID
	for _, child := range deviceList.Children() {
		id, ok := r.qualifyDevice(&child, jid, excludeSelf)
		if !ok {
			continue
		}
		out = append(out, wajid.NewDevice(jid.User, id))
	}
	return out, nil
}

// qualifyDevice applies the admission rules for one device-list entry: it
// must be a device node; device 0 is dropped when excluding self; our own
// device is always dropped; secondary devices must carry a key-index.
func (r *DeviceRegistry) qualifyDevice(child *wabinary.Node, user wajid.JID, excludeSelf bool) (uint32, bool) {
	if child.Description != "device" {
		return 0, false
	}
	deviceID := uint32(child.Attrs.Int("id"))
	if excludeSelf && deviceID == 0 {
		return 0, false
	}
	companion := r.keys.Companion()
	if user.User == companion.User && deviceID == companion.Device {
		return 0, false
	}
	if deviceID != 0 && !child.Attrs.Has("key-index") {
		return 0, false
	}
	return deviceID, true
}
