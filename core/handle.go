package core

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ClientHandle identifies a client server-wide: the registration number
// assigned at accept time paired with the IPv4 address of the server that
// accepted it. Handles are the identity processors use in all messaging,
// including across servers; only the registration number travels on the
// wire, the receiving server re-pairs it with its own address.
type ClientHandle struct {
	Registration uint64
	ServerIPv4   uint32
}

// Less orders handles by (server address, registration number).
func (h ClientHandle) Less(other ClientHandle) bool {
	if h.ServerIPv4 != other.ServerIPv4 {
		return h.ServerIPv4 < other.ServerIPv4
	}
	return h.Registration < other.Registration
}

func (h ClientHandle) String() string {
	return fmt.Sprintf("%s#%d", IPv4String(h.ServerIPv4), h.Registration)
}

// ParseIPv4 converts a dotted-quad address into its 32-bit form. Wildcard
// 0.0.0.0 is rejected: the address becomes part of every client handle and
// must name this server uniquely.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotIPv4, s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotIPv4, s)
	}
	addr := binary.BigEndian.Uint32(v4)
	if addr == 0 {
		return 0, ErrWildcardAddress
	}
	return addr, nil
}

// IPv4String renders the 32-bit address back into dotted-quad form.
func IPv4String(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return net.IP(b[:]).String()
}
