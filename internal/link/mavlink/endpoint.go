package mavlink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
)

// ErrInvalidEndpoint is returned by ParseEndpoint.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// ParseEndpoint converts an endpoint URL into a gomavlib endpoint:
//
//	udp://0.0.0.0:14540         listen for UDP
//	udpc://192.168.1.10:14550   send to a UDP address
//	udpb://192.168.1.255:14550  UDP broadcast
//	tcp://127.0.0.1:5760        TCP client
//	tcps://0.0.0.0:5760         TCP server
//	serial:///dev/ttyACM0:57600 serial port and baud rate
func ParseEndpoint(s string) (gomavlib.EndpointConf, error) {
	scheme, addr, ok := strings.Cut(s, "://")
	if !ok || addr == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}

	switch scheme {
	case "udp":
		return gomavlib.EndpointUDPServer{Address: addr}, nil
	case "udpc":
		return gomavlib.EndpointUDPClient{Address: addr}, nil
	case "udpb":
		return gomavlib.EndpointUDPBroadcast{BroadcastAddress: addr}, nil
	case "tcp":
		return gomavlib.EndpointTCPClient{Address: addr}, nil
	case "tcps":
		return gomavlib.EndpointTCPServer{Address: addr}, nil
	case "serial":
		i := strings.LastIndex(addr, ":")
		if i <= 0 {
			return nil, fmt.Errorf("%w: serial endpoint needs device:baud, got %q", ErrInvalidEndpoint, addr)
		}
		baud, err := strconv.Atoi(addr[i+1:])
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("%w: bad baud rate in %q", ErrInvalidEndpoint, addr)
		}
		return gomavlib.EndpointSerial{Device: addr[:i], Baud: baud}, nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidEndpoint, scheme)
	}
}
