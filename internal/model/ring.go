package model

import (
	"fmt"
	"net"
	"strconv"
)

// RingMember is the stable identity of a node across restarts.
type RingMember string

func (m RingMember) ToBytes() []byte { return []byte(m) }

func (m RingMember) String() string { return string(m) }

// RingMemberFromBytes is the inverse of ToBytes.
func RingMemberFromBytes(b []byte) RingMember { return RingMember(b) }

// RingHost is where a member can currently be reached.
type RingHost struct {
	Host string `json:"host" yaml:"host" msgpack:"host"`
	Port int    `json:"port" yaml:"port" msgpack:"port"`
}

// UnknownRingHost is used when a member's host has not been learned yet.
var UnknownRingHost = RingHost{Host: "unknownhost", Port: 0}

func (h RingHost) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// ParseRingHost parses "host:port".
func ParseRingHost(s string) (RingHost, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return RingHost{}, fmt.Errorf("invalid ring host %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return RingHost{}, fmt.Errorf("invalid ring host port %q: %w", port, err)
	}
	return RingHost{Host: host, Port: p}, nil
}

// RingMemberAndHost pairs a member with its host.
type RingMemberAndHost struct {
	Member RingMember
	Host   RingHost
}
