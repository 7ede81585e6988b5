package proxy

import (
	"encoding/json"
	"slices"

	"github.com/manticore/manticore/pkg/engine"
)

// HTTPRoute sends requests for host {From}.{domain} to To.
type HTTPRoute struct {
	UserID string `json:"userId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// TCPRoute forwards an external port to To.
type TCPRoute struct {
	UserID string `json:"userId"`
	Port   int    `json:"port"`
	To     string `json:"to"`
}

// Data is the complete routing state.
type Data struct {
	Domain     string      `json:"domain"`
	MainPort   int         `json:"mainPort"`
	HTTPRoutes []HTTPRoute `json:"httpRoutes"`
	TCPRoutes  []TCPRoute  `json:"tcpRoutes"`
	WebApps    []string    `json:"webApps"`
}

// SetPairs replaces every user route with the routes of pairs.
func (d *Data) SetPairs(pairs []engine.Pair) {
	d.HTTPRoutes = []HTTPRoute{}
	d.TCPRoutes = []TCPRoute{}
	for _, p := range pairs {
		d.HTTPRoutes = append(d.HTTPRoutes,
			HTTPRoute{UserID: p.ID, From: p.UserAddressExternal, To: p.UserAddressInternal},
			HTTPRoute{UserID: p.ID, From: p.HMIAddressExternal, To: p.HMIAddressInternal},
			HTTPRoute{UserID: p.ID, From: p.BrokerAddressExternal, To: p.BrokerAddressInternal},
		)
		d.TCPRoutes = append(d.TCPRoutes, TCPRoute{UserID: p.ID, Port: p.TCPPortExternal, To: p.TCPAddressInternal})
	}
}

// SetWebApps replaces the web-app backends.
func (d *Data) SetWebApps(addresses []string) {
	d.WebApps = slices.Clone(addresses)
	if d.WebApps == nil {
		d.WebApps = []string{}
	}
	slices.Sort(d.WebApps)
}

// Encode serializes the data.
func (d *Data) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// ParseData decodes stored data. Empty input is empty data.
func ParseData(raw []byte) (*Data, error) {
	d := &Data{HTTPRoutes: []HTTPRoute{}, TCPRoutes: []TCPRoute{}, WebApps: []string{}}
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return &Data{HTTPRoutes: []HTTPRoute{}, TCPRoutes: []TCPRoute{}, WebApps: []string{}},
			engine.NewMalformedError("proxy data cannot be decoded", err)
	}
	return d, nil
}
