package speedtest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestGeoIPLocateWithoutLookup(t *testing.T) {
	t.Parallel()
	known := ClientInfo{IP: "203.0.113.7", Lat: 52.52, Lon: 13.40}

	tests := []struct {
		name    string
		g       *GeoIPLocator
		in      ClientInfo
		want    ClientInfo
		wantErr string
	}{
		{"nil locator", nil, ClientInfo{IP: "203.0.113.7"}, ClientInfo{IP: "203.0.113.7"}, ""},
		{"location known", &GeoIPLocator{}, known, known, ""},
		{"address unknown", &GeoIPLocator{}, ClientInfo{ISP: "x"}, ClientInfo{ISP: "x"}, "address unknown"},
		{"invalid address", &GeoIPLocator{}, ClientInfo{IP: "not-an-ip"}, ClientInfo{IP: "not-an-ip"}, "invalid address"},
		{"invalid fallback address", &GeoIPLocator{IP: "300.1.1.1"}, ClientInfo{}, ClientInfo{}, "invalid address"},
		{"database not open", &GeoIPLocator{IP: "203.0.113.7"}, ClientInfo{}, ClientInfo{}, "not open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.g.Locate(context.Background(), tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Locate error: %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Locate error = %v, want mention of %q", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Locate = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGeoIPLocateCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&GeoIPLocator{}).Locate(ctx, ClientInfo{IP: "203.0.113.7"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Locate error = %v, want context.Canceled", err)
	}
}

func TestOpenGeoIPMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := OpenGeoIP(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil || !strings.Contains(err.Error(), "open geoip db") {
		t.Fatalf("OpenGeoIP error = %v", err)
	}
	var g *GeoIPLocator
	if err := g.Close(); err != nil {
		t.Fatalf("Close on nil locator: %v", err)
	}
}
