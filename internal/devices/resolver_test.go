package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetwatch/backend/internal/models"
)

type fakeLookup struct {
	byDeviceID map[string]*models.DeviceInfo
	byHardware map[string]*models.DeviceInfo
	byName     map[string]*models.DeviceInfo
	err        error
	calls      int
}

func (f *fakeLookup) GetByDeviceID(_ context.Context, id string) (*models.DeviceInfo, error) {
	f.calls++
	return f.byDeviceID[id], f.err
}

func (f *fakeLookup) GetByHardwareID(_ context.Context, id string) (*models.DeviceInfo, error) {
	f.calls++
	return f.byHardware[id], f.err
}

func (f *fakeLookup) GetByDisplayName(_ context.Context, name string) (*models.DeviceInfo, error) {
	f.calls++
	return f.byName[name], f.err
}

func newFakeLookup(devices ...*models.DeviceInfo) *fakeLookup {
	f := &fakeLookup{
		byDeviceID: make(map[string]*models.DeviceInfo),
		byHardware: make(map[string]*models.DeviceInfo),
		byName:     make(map[string]*models.DeviceInfo),
	}
	for _, d := range devices {
		f.byDeviceID[d.DeviceID] = d
		if d.HardwareID != "" {
			f.byHardware[d.HardwareID] = d
		}
		if d.DisplayName != "" {
			f.byName[d.DisplayName] = d
		}
	}
	return f
}

func TestResolve(t *testing.T) {
	lookup := newFakeLookup(
		&models.DeviceInfo{DeviceID: "dev-1", HardwareID: "a1b2c3", DisplayName: "Lobby Tablet"},
		&models.DeviceInfo{DeviceID: "dev-2", DisplayName: "Warehouse Scanner"},
	)
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		identifier string
		want       string
	}{
		{"hardware id", "a1b2c3", "dev-1"},
		{"display name", "Lobby Tablet", "dev-1"},
		{"canonical id passthrough", "dev-2", "dev-2"},
		{"unknown fails open", "nope", "nope"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(ctx, tt.identifier); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.identifier, got, tt.want)
			}
		})
	}
}

func TestResolveCaches(t *testing.T) {
	lookup := newFakeLookup(&models.DeviceInfo{DeviceID: "dev-1", HardwareID: "a1b2c3"})
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	r.Resolve(ctx, "a1b2c3")
	before := lookup.calls
	r.Resolve(ctx, "a1b2c3")
	if lookup.calls != before {
		t.Fatalf("cached resolve hit the lookup: %d -> %d calls", before, lookup.calls)
	}
}

func TestResolveUnknownNotCached(t *testing.T) {
	lookup := newFakeLookup()
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	r.Resolve(ctx, "late-device")
	before := lookup.calls

	// The device registers after the failed resolve; the next resolve must
	// see it rather than a cached miss.
	lookup.byHardware["late-device"] = &models.DeviceInfo{DeviceID: "dev-9", HardwareID: "late-device"}
	if got := r.Resolve(ctx, "late-device"); got != "dev-9" {
		t.Fatalf("Resolve after registration = %q, want dev-9", got)
	}
	if lookup.calls == before {
		t.Fatal("unknown identifier was cached")
	}
}

func TestResolveHardwareStrict(t *testing.T) {
	lookup := newFakeLookup(&models.DeviceInfo{DeviceID: "dev-1", HardwareID: "a1b2c3", DisplayName: "Lobby Tablet"})
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	if got, ok := r.ResolveHardware(ctx, "a1b2c3"); !ok || got != "dev-1" {
		t.Fatalf("ResolveHardware = (%q, %v), want (dev-1, true)", got, ok)
	}
	// Display names and canonical ids do not count on the producer side.
	if _, ok := r.ResolveHardware(ctx, "Lobby Tablet"); ok {
		t.Fatal("display name accepted as hardware id")
	}
	if _, ok := r.ResolveHardware(ctx, "dev-1"); ok {
		t.Fatal("canonical id accepted as hardware id")
	}
	if _, ok := r.ResolveHardware(ctx, ""); ok {
		t.Fatal("empty hardware id accepted")
	}
}

func TestResolveHardwareLookupError(t *testing.T) {
	lookup := newFakeLookup(&models.DeviceInfo{DeviceID: "dev-1", HardwareID: "a1b2c3"})
	lookup.err = errors.New("connection refused")
	r := NewResolver(lookup, nil)

	if _, ok := r.ResolveHardware(context.Background(), "a1b2c3"); ok {
		t.Fatal("lookup error must resolve to unknown")
	}
}

func TestHardwareIDFor(t *testing.T) {
	lookup := newFakeLookup(
		&models.DeviceInfo{DeviceID: "dev-1", HardwareID: "a1b2c3"},
		&models.DeviceInfo{DeviceID: "dev-2"},
	)
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	if got, ok := r.HardwareIDFor(ctx, "dev-1"); !ok || got != "a1b2c3" {
		t.Fatalf("HardwareIDFor(dev-1) = (%q, %v)", got, ok)
	}
	if _, ok := r.HardwareIDFor(ctx, "dev-2"); ok {
		t.Fatal("device without hardware id reported one")
	}
}

func TestKnown(t *testing.T) {
	lookup := newFakeLookup(&models.DeviceInfo{DeviceID: "dev-1"})
	r := NewResolver(lookup, nil)
	ctx := context.Background()

	if !r.Known(ctx, "dev-1") {
		t.Fatal("registered device reported unknown")
	}
	if r.Known(ctx, "dev-2") {
		t.Fatal("unregistered device reported known")
	}
}
