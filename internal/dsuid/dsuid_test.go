package dsuid

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func TestFromName_Deterministic(t *testing.T) {
	ns := VendorNamespace("homeassistant")

	a := FromName(ns, "vdc:KarlKielHAvDC", 0)
	b := FromName(ns, "vdc:KarlKielHAvDC", 0)
	c := FromName(ns, "vdc:Other", 0)

	if a != b {
		t.Errorf("same input produced %s and %s", a, b)
	}
	if a == c {
		t.Error("different names produced the same dSUID")
	}
	if a.UUID().Version() != 5 {
		t.Errorf("UUID version = %d, want 5", a.UUID().Version())
	}
	if a.Index() != 0 {
		t.Errorf("Index() = %d, want 0", a.Index())
	}
}

func TestFromName_Index(t *testing.T) {
	ns := uuid.NameSpaceOID
	d := FromName(ns, "vdsd:plug-1", 3)

	if d.Index() != 3 {
		t.Errorf("Index() = %d, want 3", d.Index())
	}
	if d.WithIndex(0).UUID() != d.UUID() {
		t.Error("WithIndex changed the UUID part")
	}
}

func TestRandom(t *testing.T) {
	a, err := Random()
	if err != nil {
		t.Fatalf("Random() error = %v", err)
	}
	b, err := Random()
	if err != nil {
		t.Fatalf("Random() error = %v", err)
	}
	if a == b {
		t.Error("two random dSUIDs collided")
	}
	if a.UUID().Version() != 4 {
		t.Errorf("UUID version = %d, want 4", a.UUID().Version())
	}
}

func TestParse(t *testing.T) {
	d := FromName(uuid.NameSpaceURL, "x", 7)

	tests := []struct {
		name    string
		input   string
		want    DSUID
		wantErr bool
	}{
		{name: "upper", input: d.String(), want: d},
		{name: "lower", input: strings.ToLower(d.String()), want: d},
		{name: "uuid form plus index", input: d.UUID().String() + "07", want: d},
		{name: "too short", input: "ABCD", wantErr: true},
		{name: "not hex", input: strings.Repeat("Z", 34), wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalid", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	d := FromName(uuid.NameSpaceDNS, "x", 0)
	s := d.String()

	if len(s) != 34 {
		t.Errorf("len(String()) = %d, want 34", len(s))
	}
	if s != strings.ToUpper(s) {
		t.Errorf("String() = %q, want upper case", s)
	}
	if Zero.String() != strings.Repeat("0", 34) {
		t.Errorf("Zero.String() = %q", Zero.String())
	}
	if !Zero.IsZero() || d.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestTextEncoding(t *testing.T) {
	type record struct {
		ID DSUID `json:"dsuid" yaml:"dsuid"`
	}
	in := record{ID: FromName(uuid.NameSpaceDNS, "record", 1)}

	js, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !bytes.Contains(js, []byte(in.ID.String())) {
		t.Errorf("JSON %s does not contain hex form", js)
	}
	var fromJSON record
	if err := json.Unmarshal(js, &fromJSON); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if fromJSON != in {
		t.Errorf("JSON decode = %+v, want %+v", fromJSON, in)
	}

	y, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	var fromYAML record
	if err := yaml.Unmarshal(y, &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if fromYAML != in {
		t.Errorf("YAML decode = %+v, want %+v", fromYAML, in)
	}
}

func fixedInterfaces(ifaces ...net.Interface) InterfaceLister {
	return func() ([]net.Interface, error) { return ifaces, nil }
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func TestDeriveHostIdentity_Interface(t *testing.T) {
	lo := net.Interface{Index: 1, Name: "lo", Flags: net.FlagLoopback | net.FlagUp, HardwareAddr: nil}
	down := net.Interface{Index: 2, Name: "eth1", Flags: 0, HardwareAddr: mustMAC(t, "aa:aa:aa:aa:aa:01")}
	zero := net.Interface{Index: 3, Name: "dummy0", Flags: net.FlagUp, HardwareAddr: mustMAC(t, "00:00:00:00:00:00")}
	up := net.Interface{Index: 4, Name: "eth0", Flags: net.FlagUp, HardwareAddr: mustMAC(t, "b8:27:eb:12:34:56")}

	id := DeriveHostIdentity("homeassistant", WithInterfaces(fixedInterfaces(up, zero, down, lo)))

	if id.Source != SourceInterface {
		t.Errorf("Source = %v, want interface", id.Source)
	}
	if id.MAC.String() != "b8:27:eb:12:34:56" {
		t.Errorf("MAC = %s, want the up interface", id.MAC)
	}
	if id.Ephemeral() {
		t.Error("interface identity should not be ephemeral")
	}
}

func TestDeriveHostIdentity_DownInterfaceFallback(t *testing.T) {
	down := net.Interface{Index: 2, Name: "eth1", HardwareAddr: mustMAC(t, "aa:aa:aa:aa:aa:01")}

	id := DeriveHostIdentity("v", WithInterfaces(fixedInterfaces(down)))

	if id.Source != SourceInterface || id.MAC.String() != "aa:aa:aa:aa:aa:01" {
		t.Errorf("identity = %+v, want the down interface as last resort", id)
	}
}

func TestDeriveHostIdentity_Configured(t *testing.T) {
	up := net.Interface{Index: 1, Name: "eth0", Flags: net.FlagUp, HardwareAddr: mustMAC(t, "b8:27:eb:12:34:56")}

	id := DeriveHostIdentity("v",
		WithInterfaces(fixedInterfaces(up)),
		WithConfiguredMAC(mustMAC(t, "02:11:22:33:44:55")),
	)

	if id.Source != SourceConfigured || id.MAC.String() != "02:11:22:33:44:55" {
		t.Errorf("identity = %+v, want configured MAC", id)
	}
}

func TestDeriveHostIdentity_RandomFallback(t *testing.T) {
	entropy := bytes.NewReader([]byte{0xff, 0x01, 0x02, 0x03, 0x04, 0x05})

	id := DeriveHostIdentity("v", WithInterfaces(fixedInterfaces()), WithEntropy(entropy))

	if id.Source != SourceRandom {
		t.Fatalf("Source = %v, want random", id.Source)
	}
	if !id.Ephemeral() {
		t.Error("random identity should be ephemeral")
	}
	if id.MAC[0]&0x02 == 0 || id.MAC[0]&0x01 != 0 {
		t.Errorf("MAC %s is not locally administered unicast", id.MAC)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestDeriveHostIdentity_Sentinel(t *testing.T) {
	failing := func() ([]net.Interface, error) { return nil, errors.New("netlink unavailable") }

	id := DeriveHostIdentity("v", WithInterfaces(failing), WithEntropy(failingReader{}))

	if id.Source != SourceSentinel {
		t.Fatalf("Source = %v, want sentinel", id.Source)
	}
	if id.MAC.String() != SentinelMAC.String() {
		t.Errorf("MAC = %s, want sentinel", id.MAC)
	}
	if id.Dsuid().IsZero() {
		t.Error("sentinel identity must still produce a dSUID")
	}
}

func TestHostIdentity_DsuidPure(t *testing.T) {
	mac := mustMAC(t, "B8:27:EB:12:34:56")
	a := HostIdentity{MAC: mac, VendorID: "homeassistant"}
	b := HostIdentity{MAC: mustMAC(t, "b8:27:eb:12:34:56"), VendorID: "homeassistant", Source: SourcePersisted}
	c := HostIdentity{MAC: mac, VendorID: "other"}

	if a.Dsuid() != b.Dsuid() {
		t.Error("identical MAC and vendor must yield the same dSUID")
	}
	if a.Dsuid() == c.Dsuid() {
		t.Error("vendor must be part of the derivation")
	}
	if a.Namespace() != a.Dsuid().UUID() {
		t.Error("Namespace() should be the host UUID")
	}
}

func TestSource_String(t *testing.T) {
	for s, want := range map[Source]string{
		SourceInterface:  "interface",
		SourceConfigured: "configured",
		SourcePersisted:  "persisted",
		SourceRandom:     "random",
		SourceSentinel:   "sentinel",
		Source(99):       "unknown",
	} {
		if s.String() != want {
			t.Errorf("Source(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
