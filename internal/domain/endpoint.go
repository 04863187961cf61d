package domain

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// Endpoint identifies one operation in the upstream catalog.
type Endpoint int

const (
	ServerCommand Endpoint = iota
	ServerInfo
	ServerPlayers
	ServerJoinlogs
	ServerQueue
	ServerKilllogs
	ServerCommandlogs
	ServerModcalls
	ServerBans
	ServerVehicles
	ServerStaff
	ResetAPIKey
)

var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Scope says which rate-limit bucket an endpoint draws from.
type Scope int

const (
	// ScopeShared endpoints share the global bucket when a global credential
	// is configured and a per-tenant bucket otherwise.
	ScopeShared Scope = iota
	// ScopeTenant endpoints are always limited per tenant.
	ScopeTenant
	// ScopeGlobal endpoints are always limited globally.
	ScopeGlobal
)

// Descriptor is the static description of an upstream operation.
type Descriptor struct {
	Name        string
	Path        string
	Method      string
	KeyRequired bool
	Scope       Scope
	decode      func([]byte) (any, error)
}

// Decode binds an upstream body to the endpoint's result type. Fields that
// do not fit are skipped; the returned value is usable even when err != nil.
func (d Descriptor) Decode(body []byte) (any, error) {
	if d.decode == nil {
		return lenient[Message](body)
	}
	return d.decode(body)
}

// Idempotent reports whether concurrent identical calls may be coalesced.
func (d Descriptor) Idempotent() bool { return d.Method == http.MethodGet }

func lenient[T any](body []byte) (any, error) {
	var v T
	err := json.Unmarshal(body, &v)
	return v, err
}

var catalog = map[Endpoint]Descriptor{
	ServerCommand:     {Name: "ServerCommand", Path: "/v1/server/command", Method: http.MethodPost, KeyRequired: true, Scope: ScopeTenant},
	ServerInfo:        {Name: "ServerInfo", Path: "/v1/server", Method: http.MethodGet, KeyRequired: true, decode: lenient[Server]},
	ServerPlayers:     {Name: "ServerPlayers", Path: "/v1/server/players", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]Player]},
	ServerJoinlogs:    {Name: "ServerJoinlogs", Path: "/v1/server/joinlogs", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]JoinLog]},
	ServerQueue:       {Name: "ServerQueue", Path: "/v1/server/queue", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]float64]},
	ServerKilllogs:    {Name: "ServerKilllogs", Path: "/v1/server/killlogs", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]KillLog]},
	ServerCommandlogs: {Name: "ServerCommandlogs", Path: "/v1/server/commandlogs", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]CommandLog]},
	ServerModcalls:    {Name: "ServerModcalls", Path: "/v1/server/modcalls", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]CallLog]},
	ServerBans:        {Name: "ServerBans", Path: "/v1/server/bans", Method: http.MethodGet, KeyRequired: true, decode: lenient[map[string]string]},
	ServerVehicles:    {Name: "ServerVehicles", Path: "/v1/server/vehicles", Method: http.MethodGet, KeyRequired: true, decode: lenient[[]Vehicle]},
	ServerStaff:       {Name: "ServerStaff", Path: "/v1/server/staff", Method: http.MethodGet, KeyRequired: true, decode: lenient[Staff]},
	ResetAPIKey:       {Name: "ResetAPIKey", Path: "/v1/api-key/reset", Method: http.MethodGet, KeyRequired: false, Scope: ScopeGlobal},
}

// Describe returns the catalog entry for e.
func (e Endpoint) Describe() (Descriptor, bool) {
	d, ok := catalog[e]
	return d, ok
}

func (e Endpoint) String() string {
	if d, ok := catalog[e]; ok {
		return d.Name
	}
	return "Unknown"
}

// Endpoints lists the catalog in declaration order.
func Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(catalog))
	for e := ServerCommand; e <= ResetAPIKey; e++ {
		out = append(out, e)
	}
	return out
}

// ParseEndpoint resolves a catalog entry by its name.
func ParseEndpoint(name string) (Endpoint, error) {
	for e, d := range catalog {
		if d.Name == name {
			return e, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownEndpoint, "%q", name)
}
