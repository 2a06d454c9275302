package speedtest

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"netspeed/pkg/logx"
)

// Public speedtest.net mirrors, tried in order.
var (
	DefaultConfigURLs = []string{
		"https://www.speedtest.net/speedtest-config.php",
		"https://c.speedtest.net/speedtest-config.php",
	}
	DefaultServerListURLs = []string{
		"https://www.speedtest.net/speedtest-servers.php",
		"https://www.speedtest.net/speedtest-servers-static.php",
		"https://c.speedtest.net/speedtest-servers.php",
		"https://c.speedtest.net/speedtest-servers-static.php",
	}
)

// maxCatalogBody caps how much of a catalog response is read.
const maxCatalogBody = 16 << 20

var errNoServers = errors.New("no servers in catalog")

// HTTPCatalog fetches the legacy speedtest.net client config and server list.
// The first reachable mirror wins. The client config is optional; when it is
// available its ignore list is applied and distances are computed from the
// client location.
type HTTPCatalog struct {
	Client     *http.Client
	UserAgent  string
	ConfigURLs []string
	ServerURLs []string
	Log        logx.Logger

	memo clientMemo
}

// ClientInfo returns the client info reported by the last successful config fetch.
func (c *HTTPCatalog) ClientInfo() (ClientInfo, bool) { return c.memo.get() }

func (c *HTTPCatalog) FetchServers(ctx context.Context) ([]*Server, error) {
	log := c.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	var ignore map[string]bool
	client, cfgErr := c.fetchConfig(ctx)
	if cfgErr != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		log.Debug("client config unavailable", logx.Err(cfgErr))
	} else {
		ignore = client.ignore
		c.memo.set(client.info)
	}

	urls := c.ServerURLs
	if len(urls) == 0 {
		urls = DefaultServerListURLs
	}

	var lastUnreachable, lastMalformed error
	for _, u := range urls {
		body, err := c.get(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx.Err())
			}
			lastUnreachable = err
			log.Debug("server list mirror unreachable", logx.String("url", u), logx.Err(err))
			continue
		}
		servers, err := ParseServerList(body)
		if err != nil {
			lastMalformed = err
			log.Debug("server list mirror malformed", logx.String("url", u), logx.Err(err))
			continue
		}

		out := servers[:0]
		for _, s := range servers {
			if !ignore[s.ID] {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			lastMalformed = errNoServers
			continue
		}
		if cfgErr == nil {
			fillDistances(out, client.info)
		}
		log.Debug("server list fetched", logx.String("url", u), logx.Int("servers", len(out)), logx.Int("ignored", len(servers)-len(out)))
		return out, nil
	}

	if lastMalformed != nil {
		return nil, &CatalogError{Kind: ErrCatalogMalformed, Source: "http", Err: lastMalformed}
	}
	if lastUnreachable == nil {
		lastUnreachable = errors.New("no server list urls")
	}
	return nil, &CatalogError{Kind: ErrCatalogUnreachable, Source: "http", Err: lastUnreachable}
}

type clientConfig struct {
	info   ClientInfo
	ignore map[string]bool
}

func (c *HTTPCatalog) fetchConfig(ctx context.Context) (clientConfig, error) {
	urls := c.ConfigURLs
	if len(urls) == 0 {
		urls = DefaultConfigURLs
	}
	var lastErr error
	for _, u := range urls {
		body, err := c.get(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		cfg, err := parseClientConfig(body)
		if err != nil {
			lastErr = err
			continue
		}
		return cfg, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no config urls")
	}
	return clientConfig{}, lastErr
}

func (c *HTTPCatalog) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Cache-Control", "no-cache")

	hc := c.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	return b, nil
}

type xmlServer struct {
	URL     string `xml:"url,attr"`
	Lat     string `xml:"lat,attr"`
	Lon     string `xml:"lon,attr"`
	Name    string `xml:"name,attr"`
	Country string `xml:"country,attr"`
	CC      string `xml:"cc,attr"`
	Sponsor string `xml:"sponsor,attr"`
	ID      string `xml:"id,attr"`
	Host    string `xml:"host,attr"`
}

type xmlServerList struct {
	XMLName xml.Name    `xml:"settings"`
	Servers []xmlServer `xml:"servers>server"`
}

// jsonServer is one element of the JSON server list. Coordinates and ids are
// strings in the public API but numbers in some mirrors.
type jsonServer struct {
	URL      string     `json:"url"`
	Lat      flexString `json:"lat"`
	Lon      flexString `json:"lon"`
	Distance flexString `json:"distance"`
	Name     string     `json:"name"`
	Country  string     `json:"country"`
	CC       string     `json:"cc"`
	Sponsor  string     `json:"sponsor"`
	ID       flexString `json:"id"`
	Host     string     `json:"host"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	raw := string(bytes.TrimSpace(b))
	switch {
	case raw == "null":
		*f = ""
	case strings.HasPrefix(raw, `"`):
		s, err := strconv.Unquote(raw)
		if err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(raw)
	}
	return nil
}

// ParseServerList decodes an XML (<settings><servers><server .../>) or JSON
// (array of servers) server list. Entries without an id or URL are skipped.
func ParseServerList(body []byte) ([]*Server, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var out []*Server
	switch body[0] {
	case '[':
		var list []jsonServer
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode json server list: %w", err)
		}
		for _, js := range list {
			s := &Server{
				ID:      string(js.ID),
				Name:    js.Name,
				Sponsor: js.Sponsor,
				Country: js.Country,
				URL:     js.URL,
				Host:    js.Host,
				Lat:     parseCoord(string(js.Lat)),
				Lon:     parseCoord(string(js.Lon)),
			}
			if d := parseCoord(string(js.Distance)); d > 0 {
				s.Distance = d
			}
			out = appendValid(out, s)
		}
	case '<':
		var list xmlServerList
		if err := xml.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode xml server list: %w", err)
		}
		for _, xs := range list.Servers {
			out = appendValid(out, &Server{
				ID:      xs.ID,
				Name:    xs.Name,
				Sponsor: xs.Sponsor,
				Country: xs.Country,
				URL:     xs.URL,
				Host:    xs.Host,
				Lat:     parseCoord(xs.Lat),
				Lon:     parseCoord(xs.Lon),
			})
		}
	default:
		return nil, fmt.Errorf("unrecognized server list format")
	}

	if len(out) == 0 {
		return nil, errNoServers
	}
	return out, nil
}

func appendValid(out []*Server, s *Server) []*Server {
	s.ID = strings.TrimSpace(s.ID)
	s.URL = strings.TrimSpace(s.URL)
	if s.ID == "" || s.URL == "" {
		return out
	}
	return append(out, s)
}

func parseCoord(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

type xmlClientConfig struct {
	XMLName xml.Name `xml:"settings"`
	Client  struct {
		IP  string `xml:"ip,attr"`
		Lat string `xml:"lat,attr"`
		Lon string `xml:"lon,attr"`
		ISP string `xml:"isp,attr"`
	} `xml:"client"`
	ServerConfig struct {
		IgnoreIDs string `xml:"ignoreids,attr"`
	} `xml:"server-config"`
}

// parseClientConfig decodes the legacy speedtest-config.php document.
func parseClientConfig(body []byte) (clientConfig, error) {
	var doc xmlClientConfig
	if err := xml.Unmarshal(bytes.TrimSpace(body), &doc); err != nil {
		return clientConfig{}, fmt.Errorf("decode client config: %w", err)
	}
	cfg := clientConfig{
		info: ClientInfo{
			IP:  doc.Client.IP,
			ISP: doc.Client.ISP,
			Lat: parseCoord(doc.Client.Lat),
			Lon: parseCoord(doc.Client.Lon),
		},
		ignore: idSet(strings.Split(doc.ServerConfig.IgnoreIDs, ",")),
	}
	return cfg, nil
}
