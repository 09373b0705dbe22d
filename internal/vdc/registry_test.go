package vdc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

func testHost(t *testing.T) dsuid.HostIdentity {
	t.Helper()
	mac, err := net.ParseMAC("b8:27:eb:12:34:56")
	if err != nil {
		t.Fatal(err)
	}
	return dsuid.HostIdentity{MAC: mac, VendorID: "homeassistant", Source: dsuid.SourceConfigured}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.SetHost(testHost(t))
	return r
}

func mustCreate(t *testing.T, r *Registry, spec ContainerSpec) Container {
	t.Helper()
	c, err := r.CreateContainer(spec)
	if err != nil {
		t.Fatalf("CreateContainer(%+v) error = %v", spec, err)
	}
	return c
}

func mustAdd(t *testing.T, r *Registry, container dsuid.DSUID, spec DeviceSpec) Device {
	t.Helper()
	d, err := r.AddDevice(container, spec)
	if err != nil {
		t.Fatalf("AddDevice(%+v) error = %v", spec, err)
	}
	return d
}

func TestCreateContainer_DeterministicID(t *testing.T) {
	spec := ContainerSpec{Name: "Test", Model: "M", ModelUID: "M1"}

	a := mustCreate(t, newTestRegistry(t), spec)
	b := mustCreate(t, newTestRegistry(t), spec)

	if a.Dsuid != b.Dsuid {
		t.Errorf("same host and model_uid gave %s and %s", a.Dsuid, b.Dsuid)
	}
	want, _ := ContainerID(testHost(t).Dsuid(), spec)
	if a.Dsuid != want {
		t.Errorf("Dsuid = %s, want %s", a.Dsuid, want)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestCreateContainer_Duplicate(t *testing.T) {
	r := newTestRegistry(t)
	spec := ContainerSpec{Name: "Test", Model: "M", ModelUID: "M1"}
	mustCreate(t, r, spec)

	_, err := r.CreateContainer(spec)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second CreateContainer() error = %v, want ErrDuplicateID", err)
	}
	if got := len(r.ListContainers()); got != 1 {
		t.Errorf("ListContainers() length = %d, want 1", got)
	}
}

func TestCreateContainer_RandomWithoutModelUID(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreate(t, r, ContainerSpec{Name: "A", Model: "M"})
	b := mustCreate(t, r, ContainerSpec{Name: "A", Model: "M"})

	if a.Dsuid == b.Dsuid {
		t.Error("random container dSUIDs collided")
	}
	if a.Dsuid.UUID().Version() != 4 {
		t.Errorf("UUID version = %d, want 4", a.Dsuid.UUID().Version())
	}
}

func TestCreateContainer_RandomFailure(t *testing.T) {
	r := newTestRegistry(t)
	r.random = func() (dsuid.DSUID, error) { return dsuid.Zero, dsuid.ErrNoEntropy }

	_, err := r.CreateContainer(ContainerSpec{Name: "A", Model: "M"})
	if !errors.Is(err, dsuid.ErrNoEntropy) {
		t.Errorf("error = %v, want ErrNoEntropy", err)
	}
}

func TestCreateContainer_Validation(t *testing.T) {
	tests := []struct {
		name string
		spec ContainerSpec
	}{
		{name: "empty name", spec: ContainerSpec{Model: "M"}},
		{name: "blank name", spec: ContainerSpec{Name: "   ", Model: "M"}},
		{name: "missing model", spec: ContainerSpec{Name: "x"}},
		{name: "blank model", spec: ContainerSpec{Name: "x", Model: " "}},
		{name: "long model", spec: ContainerSpec{Name: "x", Model: string(make([]byte, 300))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestRegistry(t).CreateContainer(tt.spec)
			if !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("error = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestListContainers_CreationOrder(t *testing.T) {
	r := newTestRegistry(t)
	var want []dsuid.DSUID
	for i := range 5 {
		c := mustCreate(t, r, ContainerSpec{Name: fmt.Sprintf("c%d", i), Model: "M", ModelUID: fmt.Sprintf("uid-%d", 4-i)})
		want = append(want, c.Dsuid)
	}

	got := r.ListContainers()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Dsuid != want[i] {
			t.Errorf("position %d = %s, want %s", i, got[i].Dsuid, want[i])
		}
	}
}

func TestRemoveContainer_Cascade(t *testing.T) {
	r := newTestRegistry(t)
	keep := mustCreate(t, r, ContainerSpec{Name: "keep", Model: "M", ModelUID: "keep"})
	gone := mustCreate(t, r, ContainerSpec{Name: "gone", Model: "M", ModelUID: "gone"})
	kept := mustAdd(t, r, keep.Dsuid, DeviceSpec{Name: "k", UniqueID: "k"})
	d1 := mustAdd(t, r, gone.Dsuid, DeviceSpec{Name: "d1", UniqueID: "d1"})
	d2 := mustAdd(t, r, gone.Dsuid, DeviceSpec{Name: "d2"})

	if err := r.RemoveContainer(gone.Dsuid); err != nil {
		t.Fatalf("RemoveContainer() error = %v", err)
	}

	for _, c := range r.ListContainers() {
		if c.Dsuid == gone.Dsuid {
			t.Error("removed container still listed")
		}
	}
	for _, id := range []dsuid.DSUID{d1.Dsuid, d2.Dsuid} {
		if _, err := r.GetDevice(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDevice(%s) error = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := r.GetDevice(kept.Dsuid); err != nil {
		t.Errorf("device of other container lost: %v", err)
	}
	if _, devices := r.Counts(); devices != 1 {
		t.Errorf("device count = %d, want 1", devices)
	}

	if err := r.RemoveContainer(gone.Dsuid); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveContainer() error = %v, want ErrNotFound", err)
	}
}

func TestAddDevice(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})

	d := mustAdd(t, r, c.Dsuid, DeviceSpec{
		Name:           "plug",
		UniqueID:       "plug-1",
		SubDeviceIndex: 2,
		Properties:     map[string]any{"power": 12, "on": true},
	})

	if d.Container != c.Dsuid {
		t.Errorf("Container = %s, want %s", d.Container, c.Dsuid)
	}
	if d.Dsuid.Index() != 2 {
		t.Errorf("sub-device index = %d, want 2", d.Dsuid.Index())
	}
	if d.Properties["power"] != int64(12) {
		t.Errorf("power = %#v, want int64(12)", d.Properties["power"])
	}

	if _, err := r.AddDevice(c.Dsuid, DeviceSpec{Name: "plug", UniqueID: "plug-1", SubDeviceIndex: 2}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate AddDevice() error = %v, want ErrDuplicateID", err)
	}
	if _, err := r.AddDevice(c.Dsuid, DeviceSpec{Name: "plug", UniqueID: "plug-1", SubDeviceIndex: 3}); err != nil {
		t.Errorf("other sub-device index should be accepted: %v", err)
	}
	if _, err := r.AddDevice(dsuid.FromName(c.Dsuid.UUID(), "nope", 0), DeviceSpec{Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddDevice() to unknown container error = %v, want ErrNotFound", err)
	}
	if _, err := r.AddDevice(c.Dsuid, DeviceSpec{Name: "x", Properties: map[string]any{"nested": map[string]any{}}}); !errors.Is(err, ErrInvalidProperty) {
		t.Errorf("AddDevice() with nested property error = %v, want ErrInvalidProperty", err)
	}
}

func TestAddDevice_DoesNotAliasSpec(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	props := map[string]any{"level": 1}

	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d", Properties: props})
	props["level"] = 99

	got, err := r.GetDevice(d.Dsuid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Properties["level"] != int64(1) {
		t.Errorf("registry state changed through caller map: %#v", got.Properties["level"])
	}
	if props["level"] != 99 {
		t.Error("caller map was rewritten by validation")
	}
}

func TestSharedNamespace(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	r.random = func() (dsuid.DSUID, error) { return c.Dsuid, nil }

	if _, err := r.AddDevice(c.Dsuid, DeviceSpec{Name: "clash"}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("device reusing a container dSUID: error = %v, want ErrDuplicateID", err)
	}
}

func TestListDevices(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreate(t, r, ContainerSpec{Name: "a", Model: "M", ModelUID: "a"})
	b := mustCreate(t, r, ContainerSpec{Name: "b", Model: "M", ModelUID: "b"})
	a1 := mustAdd(t, r, a.Dsuid, DeviceSpec{Name: "a1"})
	b1 := mustAdd(t, r, b.Dsuid, DeviceSpec{Name: "b1"})
	a2 := mustAdd(t, r, a.Dsuid, DeviceSpec{Name: "a2"})

	got, err := r.ListDevices(a.Dsuid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Dsuid != a1.Dsuid || got[1].Dsuid != a2.Dsuid {
		t.Errorf("ListDevices(a) = %v", got)
	}

	all, err := r.ListDevices(dsuid.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[2].Dsuid != b1.Dsuid {
		t.Errorf("ListDevices(zero) = %v", all)
	}

	if _, err := r.ListDevices(a1.Dsuid); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListDevices(device id) error = %v, want ErrNotFound", err)
	}
}

func TestRemoveDevice(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d"})

	if err := r.RemoveDevice(d.Dsuid); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if err := r.RemoveDevice(d.Dsuid); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveDevice() error = %v, want ErrNotFound", err)
	}
	if devs, _ := r.ListDevices(c.Dsuid); len(devs) != 0 {
		t.Errorf("ListDevices() = %v, want empty", devs)
	}
}

func TestUpdateDeviceProperty(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d"})

	change, err := r.UpdateDeviceProperty(d.Dsuid, "brightness", 40.0)
	if err != nil {
		t.Fatalf("UpdateDeviceProperty() error = %v", err)
	}
	if change.Previous != nil || change.Value != int64(40) || change.Container != c.Dsuid {
		t.Errorf("change = %+v", change)
	}

	change, err = r.UpdateDeviceProperty(d.Dsuid, "brightness", 40.5)
	if err != nil {
		t.Fatal(err)
	}
	if change.Previous != int64(40) || change.Value != 40.5 {
		t.Errorf("second change = %+v", change)
	}

	got, _ := r.GetDevice(d.Dsuid)
	if got.Properties["brightness"] != 40.5 {
		t.Errorf("brightness = %#v, want 40.5", got.Properties["brightness"])
	}

	tests := []struct {
		name  string
		id    dsuid.DSUID
		key   string
		value any
		want  error
	}{
		{name: "unknown device", id: c.Dsuid, key: "k", value: 1, want: ErrNotFound},
		{name: "empty key", id: d.Dsuid, key: "", value: 1, want: ErrInvalidProperty},
		{name: "slice value", id: d.Dsuid, key: "k", value: []int{1}, want: ErrInvalidProperty},
		{name: "struct value", id: d.Dsuid, key: "k", value: struct{}{}, want: ErrInvalidProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.UpdateDeviceProperty(tt.id, tt.key, tt.value); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d", Properties: map[string]any{"on": true}})

	d.Properties["on"] = false
	list, _ := r.ListDevices(c.Dsuid)
	list[0].Properties["on"] = false
	snap := r.Snapshot()
	snap.Devices[0].Properties["on"] = false

	got, _ := r.GetDevice(d.Dsuid)
	if got.Properties["on"] != true {
		t.Error("registry state mutated through a returned value")
	}
}

func TestWatcher_OrderAndDrops(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d"})

	fast := r.Watch(10)
	slow := r.Watch(2)
	defer fast.Close()

	for i := range 5 {
		if _, err := r.UpdateDeviceProperty(d.Dsuid, "n", i); err != nil {
			t.Fatal(err)
		}
	}

	for i := range 5 {
		select {
		case ch := <-fast.C():
			if ch.Value != int64(i) {
				t.Errorf("change %d value = %v", i, ch.Value)
			}
		case <-time.After(time.Second):
			t.Fatalf("change %d not delivered", i)
		}
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast.Dropped() = %d, want 0", fast.Dropped())
	}
	if slow.Dropped() != 3 {
		t.Errorf("slow.Dropped() = %d, want 3", slow.Dropped())
	}

	slow.Close()
	slow.Close()
	n := 0
	for range slow.C() {
		n++
	}
	if n != 2 {
		t.Errorf("slow watcher buffered %d changes, want 2", n)
	}
	if _, err := r.UpdateDeviceProperty(d.Dsuid, "n", 9); err != nil {
		t.Errorf("update after watcher close: %v", err)
	}
}

func TestOnChange(t *testing.T) {
	r := newTestRegistry(t)
	var calls int
	r.SetOnChange(func() {
		// Must be callable without deadlock: the lock is released.
		r.Counts()
		calls++
	})

	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d"})
	if _, err := r.UpdateDeviceProperty(d.Dsuid, "k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveDevice(d.Dsuid); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveContainer(c.Dsuid); err != nil {
		t.Fatal(err)
	}
	_, _ = r.CreateContainer(ContainerSpec{})

	if calls != 5 {
		t.Errorf("OnChange calls = %d, want 5", calls)
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreate(t, r, ContainerSpec{Name: "a", Model: "M", ModelUID: "a", ModelVersion: "1", ImplementationID: "x-a"})
	b := mustCreate(t, r, ContainerSpec{Name: "b", Model: "M"})
	mustAdd(t, r, a.Dsuid, DeviceSpec{Name: "d1", UniqueID: "u1", Properties: map[string]any{"on": true}})
	mustAdd(t, r, b.Dsuid, DeviceSpec{Name: "d2"})

	snap := r.Snapshot()
	if snap.Version != SnapshotVersion {
		t.Errorf("Version = %d", snap.Version)
	}
	if snap.Host.Dsuid != testHost(t).Dsuid() {
		t.Errorf("Host.Dsuid = %s", snap.Host.Dsuid)
	}

	restored := NewRegistry()
	stats := restored.Restore(snap)
	if stats != (RestoreStats{Containers: 2, Devices: 2}) {
		t.Errorf("stats = %+v", stats)
	}

	got := restored.ListContainers()
	want := r.ListContainers()
	if len(got) != len(want) {
		t.Fatalf("containers = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("container %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	devs, _ := restored.ListDevices(dsuid.Zero)
	if len(devs) != 2 || devs[0].Properties["on"] != true {
		t.Errorf("devices = %+v", devs)
	}
}

func TestRestore_SkipsInvalidRecords(t *testing.T) {
	ns := testHost(t).Namespace()
	c1 := Container{Dsuid: dsuid.FromName(ns, "c1", 0), Name: "c1"}
	orphanParent := dsuid.FromName(ns, "missing", 0)

	snap := Snapshot{
		Containers: []Container{
			c1,
			c1,              // duplicate
			{Name: "no id"}, // zero dSUID
		},
		Devices: []Device{
			{Dsuid: dsuid.FromName(ns, "d1", 0), Name: "d1", Container: c1.Dsuid, Properties: map[string]any{"n": 3}},
			{Dsuid: dsuid.FromName(ns, "d2", 0), Name: "orphan", Container: orphanParent},
			{Dsuid: c1.Dsuid, Name: "clashes with container", Container: c1.Dsuid},
			{Dsuid: dsuid.FromName(ns, "d3", 0), Name: "bad", Container: c1.Dsuid, Properties: map[string]any{"x": []any{1}}},
		},
	}

	r := NewRegistry()
	stats := r.Restore(snap)

	if stats != (RestoreStats{Containers: 1, Devices: 1, Skipped: 5}) {
		t.Errorf("stats = %+v", stats)
	}
	d, err := r.GetDevice(dsuid.FromName(ns, "d1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if d.Properties["n"] != int64(3) {
		t.Errorf("restored property = %#v, want int64(3)", d.Properties["n"])
	}
}

func TestRestore_ReplacesState(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, ContainerSpec{Name: "old", Model: "M", ModelUID: "old"})

	r.Restore(Snapshot{})

	if n, _ := r.Counts(); n != 0 {
		t.Errorf("containers after empty restore = %d, want 0", n)
	}
}

func TestConcurrentCreate(t *testing.T) {
	r := newTestRegistry(t)
	const n = 50

	var wg sync.WaitGroup
	ids := make([]dsuid.DSUID, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.CreateContainer(ContainerSpec{Name: "c", Model: "M", ModelUID: fmt.Sprintf("model-%d", i)})
			ids[i], errs[i] = c.Dsuid, err
		}(i)
	}
	wg.Wait()

	seen := make(map[dsuid.DSUID]bool, n)
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("create %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Errorf("duplicate dSUID %s", ids[i])
		}
		seen[ids[i]] = true
	}
	if got := len(r.ListContainers()); got != n {
		t.Errorf("ListContainers() length = %d, want %d", got, n)
	}
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d"})
	w := r.Watch(8)
	defer w.Close()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := range 50 {
				_, _ = r.UpdateDeviceProperty(d.Dsuid, fmt.Sprintf("k%d", i), j)
			}
		}(i)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = r.Snapshot()
				_, _ = r.ListDevices(dsuid.Zero)
			}
		}()
	}
	wg.Wait()

	got, _ := r.GetDevice(d.Dsuid)
	for i := range 8 {
		if got.Properties[fmt.Sprintf("k%d", i)] != int64(49) {
			t.Errorf("k%d = %#v, want 49", i, got.Properties[fmt.Sprintf("k%d", i)])
		}
	}
}

func bulkProperties(n int) map[string]any {
	props := make(map[string]any, n)
	for i := range n {
		props[fmt.Sprintf("p%02d", i)] = strings.Repeat("v", 1000)
	}
	return props
}

func TestAddDevice_SizeLimit(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})

	_, err := r.AddDevice(c.Dsuid, DeviceSpec{Name: "huge", UniqueID: "huge", Properties: bulkProperties(40)})
	if !errors.Is(err, ErrInvalidProperty) {
		t.Fatalf("AddDevice() error = %v, want ErrInvalidProperty", err)
	}
	if devices, _ := r.ListDevices(c.Dsuid); len(devices) != 0 {
		t.Errorf("oversized device stored: %d devices", len(devices))
	}

	mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "fits", UniqueID: "fits", Properties: bulkProperties(20)})
}

func TestUpdateDeviceProperty_SizeLimit(t *testing.T) {
	r := newTestRegistry(t)
	c := mustCreate(t, r, ContainerSpec{Name: "c", Model: "M", ModelUID: "c"})
	d := mustAdd(t, r, c.Dsuid, DeviceSpec{Name: "d", UniqueID: "d"})

	value := strings.Repeat("v", 1000)
	var rejected string
	for i := range 40 {
		key := fmt.Sprintf("p%02d", i)
		if _, err := r.UpdateDeviceProperty(d.Dsuid, key, value); err != nil {
			if !errors.Is(err, ErrInvalidProperty) {
				t.Fatalf("UpdateDeviceProperty(%s) error = %v, want ErrInvalidProperty", key, err)
			}
			rejected = key
			break
		}
	}
	if rejected == "" {
		t.Fatal("device grew past MaxDeviceSize without an error")
	}

	got, err := r.GetDevice(d.Dsuid)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Properties[rejected]; ok {
		t.Errorf("rejected property %s was stored", rejected)
	}
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > MaxDeviceSize {
		t.Errorf("device encodes to %d bytes, limit %d", len(data), MaxDeviceSize)
	}
}
