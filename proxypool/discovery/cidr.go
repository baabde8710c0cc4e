package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// ExpandCIDR enumerates the host addresses of an IPv4 range. Network and
// broadcast bounds are computed by integer masking and excluded for prefixes
// shorter than /31; /31 and /32 yield every address in the range.
func ExpandCIDR(cidr string) ([]string, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("not an IPv4 CIDR: %q", cidr)
	}

	ones, bits := ipNet.Mask.Size()
	base := binary.BigEndian.Uint32(v4) & binary.BigEndian.Uint32(ipNet.Mask)
	broadcast := base | (1<<uint(bits-ones) - 1)

	start, end := base, broadcast
	if ones < 31 {
		start, end = base+1, broadcast-1
	}

	hosts := make([]string, 0, end-start+1)
	for n := start; ; n++ {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], n)
		hosts = append(hosts, net.IP(buf[:]).String())
		if n == end {
			break
		}
	}
	return hosts, nil
}

// ExpandCIDR6 enumerates an IPv6 range by incrementing a fixed-width byte
// buffer from the computed range start to the computed range end. The max
// parameter caps enumeration since v6 ranges are unbounded in practice.
func ExpandCIDR6(cidr string, max int) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	start := ipNet.IP.To16()
	if start == nil || ipNet.IP.To4() != nil {
		return nil, fmt.Errorf("not an IPv6 CIDR: %q", cidr)
	}

	// Range end: start with all mask-excluded bits set.
	end := make(net.IP, net.IPv6len)
	for i := range end {
		end[i] = start[i] | ^ipNet.Mask[i]
	}

	cur := make(net.IP, net.IPv6len)
	copy(cur, start)

	var hosts []string
	for {
		hosts = append(hosts, cur.String())
		if max > 0 && len(hosts) >= max {
			break
		}
		if bytes.Equal(cur, end) {
			break
		}
		incrementBytes(cur)
	}
	return hosts, nil
}

func incrementBytes(buf []byte) {
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i]++
		if buf[i] != 0 {
			return
		}
	}
}
