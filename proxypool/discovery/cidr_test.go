package discovery

import (
	"reflect"
	"testing"
)

func TestExpandCIDR(t *testing.T) {
	cases := []struct {
		cidr string
		want []string
	}{
		{"192.168.0.0/30", []string{"192.168.0.1", "192.168.0.2"}},
		{"10.0.0.0/31", []string{"10.0.0.0", "10.0.0.1"}},
		{"10.0.0.5/32", []string{"10.0.0.5"}},
	}
	for _, c := range cases {
		got, err := ExpandCIDR(c.cidr)
		if err != nil {
			t.Fatalf("ExpandCIDR(%q) returned an error: %v", c.cidr, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ExpandCIDR(%q) = %v, want %v", c.cidr, got, c.want)
		}
	}
}

func TestExpandCIDR_HostBoundsExcluded(t *testing.T) {
	hosts, err := ExpandCIDR("192.168.1.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 254 {
		t.Fatalf("Expected 254 hosts for a /24, got %d", len(hosts))
	}
	if hosts[0] != "192.168.1.1" || hosts[len(hosts)-1] != "192.168.1.254" {
		t.Errorf("Expected network and broadcast to be excluded, got bounds %s .. %s",
			hosts[0], hosts[len(hosts)-1])
	}
}

func TestExpandCIDR_Rejects(t *testing.T) {
	for _, cidr := range []string{"not-a-cidr", "2001:db8::/64", "10.0.0.0"} {
		if _, err := ExpandCIDR(cidr); err == nil {
			t.Errorf("Expected ExpandCIDR(%q) to fail", cidr)
		}
	}
}

func TestExpandCIDR6(t *testing.T) {
	hosts, err := ExpandCIDR6("2001:db8::/126", 0)
	if err != nil {
		t.Fatalf("ExpandCIDR6 returned an error: %v", err)
	}
	want := []string{"2001:db8::", "2001:db8::1", "2001:db8::2", "2001:db8::3"}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("ExpandCIDR6 = %v, want %v", hosts, want)
	}
}

func TestExpandCIDR6_MaxCapsEnumeration(t *testing.T) {
	hosts, err := ExpandCIDR6("2001:db8::/64", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 10 {
		t.Errorf("Expected the cap to bound enumeration at 10, got %d", len(hosts))
	}
}

func TestExpandCIDR6_RejectsIPv4(t *testing.T) {
	if _, err := ExpandCIDR6("10.0.0.0/24", 0); err == nil {
		t.Error("Expected an IPv4 range to be rejected")
	}
}
