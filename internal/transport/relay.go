package transport

import (
	"strconv"
	"strings"

	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"go.uber.org/multierr"
)

// RelayServers keeps the TURN entries that carry both credentials and a
// "host:port" address. Every skipped entry contributes a TurnCredentialError
// to the returned error.
func RelayServers(entries []descriptor.TurnServerDescriptor) ([]RelayServer, error) {
	var servers []RelayServer
	var errs error
	for _, e := range entries {
		server, err := relayServer(e)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		servers = append(servers, server)
	}
	return servers, errs
}

func relayServer(e descriptor.TurnServerDescriptor) (RelayServer, error) {
	if e.Username == "" || e.Password == "" {
		return RelayServer{}, &TurnCredentialError{HostPort: e.HostPort, Reason: "missing credentials"}
	}
	parts := strings.Split(e.HostPort, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RelayServer{}, &TurnCredentialError{HostPort: e.HostPort, Reason: "address is not host:port"}
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return RelayServer{}, &TurnCredentialError{HostPort: e.HostPort, Reason: "invalid port"}
	}
	return RelayServer{
		Host:     parts[0],
		Port:     port,
		Username: e.Username,
		Password: e.Password,
	}, nil
}

// StunServers drops empty and repeated addresses, keeping order.
func StunServers(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
