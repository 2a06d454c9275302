package speedtest

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// Catalog retrieves candidate servers. Every call returns a fresh slice owned
// by the caller.
type Catalog interface {
	FetchServers(ctx context.Context) ([]*Server, error)
}

// ClientSource is implemented by catalogs that learn the client's identity
// (address, ISP, coordinates) while fetching servers.
type ClientSource interface {
	ClientInfo() (ClientInfo, bool)
}

// Locator fills in missing client details, e.g. coordinates from a GeoIP
// database. Implementations must not fail the run; errors are logged.
type Locator interface {
	Locate(ctx context.Context, c ClientInfo) (ClientInfo, error)
}

// StaticCatalog serves a fixed list of servers, e.g. private measurement
// servers from the config file.
type StaticCatalog struct {
	Servers []Server
}

func (c StaticCatalog) FetchServers(ctx context.Context) ([]*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	out := make([]*Server, 0, len(c.Servers))
	for i := range c.Servers {
		s := c.Servers[i]
		s.Latency, s.Samples, s.Failures, s.Selected = nil, nil, 0, false
		out = append(out, &s)
	}
	if len(out) == 0 {
		return nil, &CatalogError{Kind: ErrCatalogMalformed, Source: "static", Err: errNoServers}
	}
	return out, nil
}

// clientMemo stores the client info learned by the last successful fetch.
type clientMemo struct {
	mu     sync.Mutex
	client ClientInfo
	ok     bool
}

func (m *clientMemo) set(c ClientInfo) {
	m.mu.Lock()
	m.client, m.ok = c, true
	m.mu.Unlock()
}

func (m *clientMemo) get() (ClientInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, m.ok
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// fillDistances sets Distance on servers that have coordinates but no
// distance yet.
func fillDistances(servers []*Server, c ClientInfo) {
	if !c.HasLocation() {
		return
	}
	for _, s := range servers {
		if s.Distance > 0 || (s.Lat == 0 && s.Lon == 0) {
			continue
		}
		s.Distance = haversineKm(c.Lat, c.Lon, s.Lat, s.Lon)
	}
}

// filterCandidates applies include/exclude ids and keeps the n closest
// servers. Servers without a distance sort after those with one. Forced ids
// are never cut by n.
func filterCandidates(servers []*Server, n int, include, exclude []string) []*Server {
	excluded := idSet(exclude)
	forced := idSet(include)

	out := make([]*Server, 0, len(servers))
	for _, s := range servers {
		if s == nil || excluded[s.ID] {
			continue
		}
		if len(forced) > 0 && !forced[s.ID] {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Distance, out[j].Distance
		if (a > 0) != (b > 0) {
			return a > 0
		}
		return a < b
	})
	if len(forced) == 0 && n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func idSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = true
		}
	}
	return m
}
