//go:build !unix

package discovery

import (
	"fmt"
	"net"
)

// listenBroadcast on platforms without unix socket options. Broadcast may
// require elevated privileges or simply work by default here.
func listenBroadcast(port int) (net.PacketConn, error) {
	return net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
}
