package transport

import (
	"fmt"
	"net"
)

// DatagramSocket is the UDP counterpart to the stream socket abstraction
// (spec §4.2). It does one syscall per message and performs no reassembly:
// a datagram is a complete message or it is lost, matching the Non-goal "no
// guaranteed delivery on UDP path".
type DatagramSocket struct {
	conn *net.UDPConn
	url  *URL
}

// BindDatagram opens a UDP socket at url (tcp:// scheme reused for host:port
// syntax; spec §4.2 does not define a distinct udp:// scheme, the datagram
// path shares address syntax with the stream path).
func BindDatagram(url *URL) (*DatagramSocket, error) {
	addr, err := resolveUDP(url)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind datagram %s: %w", url, err)
	}
	bound := *url
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		bound.Port = udpAddr.Port
		bound.Auto = false
	}
	return &DatagramSocket{conn: conn, url: &bound}, nil
}

func resolveUDP(url *URL) (*net.UDPAddr, error) {
	if url.Scheme != SchemeTCP {
		return nil, fmt.Errorf("transport: datagram socket requires a host:port address, got %s", url)
	}
	port := url.Port
	if url.Auto {
		port = 0
	}
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", url.Host, port))
}

// URL returns the (possibly autoselect-resolved) bound address.
func (d *DatagramSocket) URL() *URL { return d.url }

// SendTo writes one datagram to addr in a single syscall.
func (d *DatagramSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return d.conn.WriteToUDP(b, addr)
}

// RecvFrom reads one datagram into buf in a single syscall, returning the
// sender's address.
func (d *DatagramSocket) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := d.conn.ReadFromUDP(buf)
	return n, addr, err
}

// Close releases the socket.
func (d *DatagramSocket) Close() error { return d.conn.Close() }
