package main

import (
	"net"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// udpTransport is the rtpsink.Transport implementation this example CLI
// wires up for an "rtp://host:port" sink URL: every RTP packet is
// marshaled and written as one UDP datagram; RTCP sender reports share
// the same socket.
type udpTransport struct {
	conn *net.UDPConn
}

func dialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, raddr)
}

func (t *udpTransport) WriteRTP(pkt *rtp.Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = t.conn.Write(buf)
	return err
}

func (t *udpTransport) WriteRTCP(pkt rtcp.Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = t.conn.Write(buf)
	return err
}

func (t *udpTransport) Close() error { return t.conn.Close() }
