package speedtest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
)

// fixtureTransport answers requests by host+path. Unknown paths fail like an
// unreachable host.
type fixtureTransport map[string]string

func (f fixtureTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	body, ok := f[r.URL.Host+r.URL.Path]
	if !ok {
		return nil, errors.New("dial " + r.URL.Host + ": connection refused")
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        strconv.Itoa(http.StatusOK) + " OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}, nil
}

const (
	ooklaConfigPath  = "www.speedtest.net/speedtest-config.php"
	ooklaServersPath = "www.speedtest.net/api/js/servers"
)

const ooklaServersJSON = `[
 {"url":"http://o1.test/speedtest/upload.php","lat":"48.8566","lon":"2.3522","name":"Paris","country":"France","sponsor":"Alpha","id":"1","host":"o1.test:8080"},
 {"url":"http://o2.test/speedtest/upload.php","lat":"51.5074","lon":"-0.1278","name":"London","country":"United Kingdom","sponsor":"Beta","id":"2","host":"o2.test:8080"}
]`

func ooklaCatalog(f fixtureTransport) *OoklaCatalog {
	return &OoklaCatalog{Client: &http.Client{Transport: f}}
}

func TestOoklaCatalogConvertsAvailableServers(t *testing.T) {
	t.Parallel()
	c := ooklaCatalog(fixtureTransport{
		ooklaConfigPath:                 clientConfigXML,
		ooklaServersPath:                ooklaServersJSON,
		"o1.test/speedtest/latency.txt": "test=test\n",
	})

	servers, err := c.FetchServers(context.Background())
	if err != nil {
		t.Fatalf("FetchServers error: %v", err)
	}
	// o2 never answers the ping and is left out
	if len(servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(servers))
	}
	s := servers[0]
	if s.ID != "1" || s.Name != "Paris" || s.Sponsor != "Alpha" || s.Country != "France" || s.Host != "o1.test:8080" {
		t.Fatalf("server = %+v", s)
	}
	if s.URL != "http://o1.test/speedtest/upload.php" || s.Lat != 48.8566 || s.Lon != 2.3522 {
		t.Fatalf("server location = %+v", s)
	}
	if s.Distance < 800 || s.Distance > 900 {
		t.Fatalf("distance Berlin-Paris = %.1f km", s.Distance)
	}

	client, ok := c.ClientInfo()
	if !ok || client.IP != "203.0.113.7" || client.ISP != "Example ISP" || client.Lat != 52.52 || client.Lon != 13.40 {
		t.Fatalf("ClientInfo = %+v, %v", client, ok)
	}
}

func TestOoklaCatalogKeepsListWhenNoServerPings(t *testing.T) {
	t.Parallel()
	c := ooklaCatalog(fixtureTransport{ooklaServersPath: ooklaServersJSON})

	servers, err := c.FetchServers(context.Background())
	if err != nil {
		t.Fatalf("FetchServers error: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if _, ok := c.ClientInfo(); ok {
		t.Fatal("client info set without a config response")
	}
}

func TestOoklaCatalogErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		f    fixtureTransport
		want error
	}{
		{"unreachable", fixtureTransport{}, ErrCatalogUnreachable},
		{"not json", fixtureTransport{ooklaServersPath: "<html>maintenance</html>"}, ErrCatalogMalformed},
		{"wrong shape", fixtureTransport{ooklaServersPath: `{"servers":1}`}, ErrCatalogMalformed},
		{"empty list", fixtureTransport{ooklaServersPath: "[]"}, ErrCatalogMalformed},
		{"no usable entry", fixtureTransport{ooklaServersPath: `[{"id":"","url":""}]`}, ErrCatalogMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ooklaCatalog(tt.f).FetchServers(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var ce *CatalogError
			if !errors.As(err, &ce) || ce.Source != "ookla" {
				t.Fatalf("error %v is not an ookla CatalogError", err)
			}
		})
	}
}

func TestOoklaCatalogCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ooklaCatalog(fixtureTransport{ooklaServersPath: ooklaServersJSON}).FetchServers(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
}
