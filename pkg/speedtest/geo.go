package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// GeoIPLocator fills missing client coordinates from a MaxMind City (or
// compatible) database.
type GeoIPLocator struct {
	db *maxminddb.Reader
	// IP is looked up when the catalog did not report the client address.
	IP string
}

var errGeoIPClosed = errors.New("geoip: database not open")

type geoRecord struct {
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// OpenGeoIP opens the database at path. Close releases it.
func OpenGeoIP(path string) (*GeoIPLocator, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	return &GeoIPLocator{db: db}, nil
}

func (g *GeoIPLocator) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Locate returns c with Lat/Lon set when c has no location and its address
// (or g.IP) is found in the database.
func (g *GeoIPLocator) Locate(ctx context.Context, c ClientInfo) (ClientInfo, error) {
	if err := ctx.Err(); err != nil {
		return c, err
	}
	if g == nil || c.HasLocation() {
		return c, nil
	}
	addr := strings.TrimSpace(c.IP)
	if addr == "" {
		addr = strings.TrimSpace(g.IP)
	}
	if addr == "" {
		return c, errors.New("geoip: client address unknown")
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return c, fmt.Errorf("geoip: invalid address %q", addr)
	}
	if g.db == nil {
		return c, errGeoIPClosed
	}

	var rec geoRecord
	if err := g.db.Lookup(ip, &rec); err != nil {
		return c, fmt.Errorf("geoip lookup %s: %w", addr, err)
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return c, fmt.Errorf("geoip: no location for %s", addr)
	}
	if c.IP == "" {
		c.IP = addr
	}
	c.Lat, c.Lon = rec.Location.Latitude, rec.Location.Longitude
	return c, nil
}
