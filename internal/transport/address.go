package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/autowiki/internal/auth"
)

// PeerAddress locates a relay server: [secret@]host[:port].
type PeerAddress struct {
	Secret auth.Secret
	Host   string
	Port   int
	// TLS selects wss://. Set by a wss:// prefix.
	TLS bool
}

// ParsePeerAddress parses "[secret@]host[:port]", optionally prefixed with
// ws:// or wss://. The port defaults to DefaultPort.
func ParsePeerAddress(s string) (PeerAddress, error) {
	var addr PeerAddress
	raw := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(raw, "wss://"):
		addr.TLS = true
		raw = strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		raw = strings.TrimPrefix(raw, "ws://")
	}
	raw = strings.TrimSuffix(raw, "/")

	if i := strings.LastIndex(raw, "@"); i >= 0 {
		addr.Secret = auth.Secret(raw[:i])
		raw = raw[i+1:]
	}
	if raw == "" {
		return PeerAddress{}, fmt.Errorf("peer address %q: missing host", s)
	}

	addr.Port = DefaultPort
	if host, port, err := net.SplitHostPort(raw); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return PeerAddress{}, fmt.Errorf("peer address %q: invalid port %q", s, port)
		}
		addr.Host, addr.Port = host, p
	} else if strings.Contains(raw, ":") && !strings.HasPrefix(raw, "[") {
		return PeerAddress{}, fmt.Errorf("peer address %q: %w", s, err)
	} else {
		addr.Host = strings.Trim(raw, "[]")
	}
	if addr.Host == "" {
		return PeerAddress{}, fmt.Errorf("peer address %q: missing host", s)
	}
	return addr, nil
}

// URL is the websocket URL including the key query parameter.
func (a PeerAddress) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(a.Port)),
		Path:   Path,
	}
	if a.TLS {
		u.Scheme = "wss"
	}
	if a.Secret != "" {
		u.RawQuery = url.Values{"key": {a.Secret.Reveal()}}.Encode()
	}
	return u.String()
}

// String is the address without its secret.
func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
