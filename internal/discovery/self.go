package discovery

import (
	"fmt"
	"net"
)

// SelfIP determines the LAN-facing local address by opening a throwaway
// UDP "connection" to a public address. No packet is sent; the kernel just
// resolves which interface would route there.
func SelfIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("discovery: determine local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
