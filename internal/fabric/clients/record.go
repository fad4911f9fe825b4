package clients

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
)

// hostnameRE is a permissive RFC-1123-ish validator: labels of letters,
// digits and hyphens, separated by dots, not starting/ending with a hyphen.
var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidateHostname reports whether h is a syntactically valid hostname.
// Ported from the original Perpetua client model's hostname guard.
func ValidateHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	return hostnameRE.MatchString(h)
}

// ValidateIPAddress reports whether ip parses as a valid IPv4 or IPv6 address.
func ValidateIPAddress(ip string) bool {
	return net.ParseIP(ip) != nil
}

// AuthorizedClient is an allowlist entry, declared at configuration time
// (the JSON config's authorized clients list, §6) and consulted at
// handshake time by the server connection handler (§4.3 step 4).
type AuthorizedClient struct {
	UID            string         `json:"uid"`
	Hostname       string         `json:"hostname,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	ScreenPosition ScreenPosition `json:"screen_position"`
}

// Matches reports whether this allowlist entry identifies the given peer,
// using the identity precedence from §3: hostname > ip_address > uid.
func (a AuthorizedClient) Matches(hostname, ipAddress, uid string) bool {
	if hostname != "" && a.Hostname != "" {
		return strings.EqualFold(a.Hostname, hostname)
	}
	if ipAddress != "" && a.IPAddress != "" {
		return a.IPAddress == ipAddress
	}
	return a.UID != "" && a.UID == uid
}

// ClientRecord is the persistent identity and live state of one peer client.
// It is created at configuration time (allowlist) or at handshake time (a
// discovered client) and survives disconnect/reconnect: only Connection and
// IsConnected change across a reconnect cycle.
type ClientRecord struct {
	mu sync.RWMutex

	UID              string
	Hostname         string
	IPAddress        string
	ScreenPosition   ScreenPosition
	ScreenResolution string
	SSL              bool
	AdditionalParams map[string]string

	FirstConnectionDate time.Time
	LastConnectionDate  time.Time
	IsConnected         bool

	connection *ClientConnection
}

// NewClientRecord validates identity fields and constructs a ClientRecord in
// the disconnected state. Hostname is validated in preference to IP address
// when both are supplied, matching the original model's precedence.
func NewClientRecord(uid, hostname, ipAddress string, position ScreenPosition) (*ClientRecord, error) {
	if hostname != "" && !ValidateHostname(hostname) {
		return nil, fmt.Errorf("clients: invalid hostname %q", hostname)
	}
	if hostname == "" && ipAddress != "" && !ValidateIPAddress(ipAddress) {
		return nil, fmt.Errorf("clients: invalid ip address %q", ipAddress)
	}
	if !position.IsValid() {
		return nil, fmt.Errorf("clients: invalid screen position %q", position)
	}
	return &ClientRecord{
		UID:              uid,
		Hostname:         hostname,
		IPAddress:        ipAddress,
		ScreenPosition:   position,
		ScreenResolution: "1x1",
		AdditionalParams: map[string]string{},
	}, nil
}

// SetFirstConnection stamps FirstConnectionDate, once. Subsequent calls are
// no-ops, mirroring ClientObj.set_first_connection()'s idempotency guard.
func (c *ClientRecord) SetFirstConnection(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FirstConnectionDate.IsZero() {
		c.FirstConnectionDate = now
	}
}

// Touch stamps LastConnectionDate to now.
func (c *ClientRecord) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastConnectionDate = now
}

// Connection returns the currently owned ClientConnection, or nil if
// disconnected. Callers must not close it directly; only the owning
// connection handler may do so (§5 Shared-resource policy).
func (c *ClientRecord) Connection() *ClientConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection
}

// Attach installs a freshly established ClientConnection and marks the
// record connected. It stamps FirstConnectionDate with now only if it is
// still unset, and LastConnectionDate with now.
func (c *ClientRecord) Attach(conn *ClientConnection, now time.Time) {
	c.mu.Lock()
	c.connection = conn
	c.IsConnected = true
	c.mu.Unlock()
	c.SetFirstConnection(now)
	c.Touch(now)
}

// Detach clears the connection and marks the record disconnected. It does
// not close the connection; the caller (the connection handler) is
// responsible for that per the single-owner policy.
func (c *ClientRecord) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connection = nil
	c.IsConnected = false
}

// Connected reports the current connection state.
func (c *ClientRecord) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsConnected
}

// SetScreenPosition updates the server-assigned screen position (sent back
// in the handshake ack, §4.3 step 6 / §4.4 step 3).
func (c *ClientRecord) SetScreenPosition(p ScreenPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ScreenPosition = p
}

// Position returns the current screen position.
func (c *ClientRecord) Position() ScreenPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ScreenPosition
}
