// Package discovery announces relays on the local network over mDNS and lets
// peers find them without configuration.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_sovereign._udp"
	Domain      = "local."

	idPrefix = "id="
)

// Relay is a relay found on the local network.
type Relay struct {
	Name string
	Addr string
	ID   string
}

// Discovery owns one zeroconf client.
type Discovery struct {
	client *zeroconf.Client
}

// Announce publishes a relay listening on port. id is advertised in a TXT
// record so peers can tell relays apart before connecting.
func Announce(name string, port int, id string) (*Discovery, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	self := zeroconf.NewService(zeroconf.NewType(ServiceType), name, uint16(port))
	if id != "" {
		self.Text = []string{idPrefix + id}
	}
	client, err := zeroconf.New().Publish(self).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

// Browse calls onRelay for every relay seen until Close.
func Browse(onRelay func(Relay)) (*Discovery, error) {
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			if r, ok := relayFromEvent(e); ok && onRelay != nil {
				onRelay(r)
			}
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

// Lookup blocks until a relay is found or ctx is done.
func Lookup(ctx context.Context) (Relay, error) {
	found := make(chan Relay, 1)
	d, err := Browse(func(r Relay) {
		select {
		case found <- r:
		default:
		}
	})
	if err != nil {
		return Relay{}, err
	}
	defer d.Close()
	select {
	case r := <-found:
		return r, nil
	case <-ctx.Done():
		return Relay{}, fmt.Errorf("discovery: no relay found: %w", ctx.Err())
	}
}

func relayFromEvent(e zeroconf.Event) (Relay, bool) {
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return Relay{}, false
	}
	return Relay{Name: e.Name, Addr: preferIPv4(addrs), ID: txtID(e.Text)}, true
}

func preferIPv4(addrs []string) string {
	for _, a := range addrs {
		if !strings.HasPrefix(a, "[") {
			return a
		}
	}
	return addrs[0]
}

func txtID(txt []string) string {
	for _, t := range txt {
		if strings.HasPrefix(t, idPrefix) {
			return strings.TrimPrefix(t, idPrefix)
		}
	}
	return ""
}

// Close stops announcing or browsing.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// ParsePort extracts the port from a "host:port" listen address.
func ParsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
