package speedtest

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"

	st "github.com/showwin/speedtest-go/speedtest"

	"netspeed/pkg/logx"
)

// OoklaCatalog obtains the server list through speedtest-go. Only discovery
// is delegated to the library; latency and throughput are measured by this
// package.
type OoklaCatalog struct {
	Client *http.Client
	Log    logx.Logger

	memo clientMemo
}

// ClientInfo returns the client info reported by the last successful fetch.
func (c *OoklaCatalog) ClientInfo() (ClientInfo, bool) { return c.memo.get() }

func (c *OoklaCatalog) FetchServers(ctx context.Context) ([]*Server, error) {
	log := c.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	// A fresh instance per fetch; speedtest-go keeps per-instance state.
	opts := []st.Option{st.WithUserConfig(&st.UserConfig{})}
	if c.Client != nil {
		opts = append(opts, st.WithDoer(c.Client))
	}
	stc := st.New(opts...)

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		log.Debug("ookla user info unavailable", logx.Err(err))
	} else if user != nil {
		c.memo.set(ClientInfo{
			IP:  user.IP,
			ISP: user.Isp,
			Lat: parseCoord(user.Lat),
			Lon: parseCoord(user.Lon),
		})
	}

	list, err := stc.FetchServerListContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, &CatalogError{Kind: ooklaErrorKind(err), Source: "ookla", Err: fmt.Errorf("fetch server list: %w", err)}
	}
	// keep the full list when no server answered the library's ping
	if a := list.Available(); a != nil && len(*a) > 0 {
		list = *a
	}

	out := make([]*Server, 0, len(list))
	for _, s := range list {
		if s == nil {
			continue
		}
		out = appendValid(out, &Server{
			ID:       s.ID,
			Name:     s.Name,
			Sponsor:  s.Sponsor,
			Country:  s.Country,
			URL:      s.URL,
			Host:     s.Host,
			Lat:      parseCoord(s.Lat),
			Lon:      parseCoord(s.Lon),
			Distance: s.Distance,
		})
	}
	if len(out) == 0 {
		return nil, &CatalogError{Kind: ErrCatalogMalformed, Source: "ookla", Err: errNoServers}
	}
	return out, nil
}

// ooklaErrorKind tells a response that could not be decoded (or held no
// servers) from a transport failure.
func ooklaErrorKind(err error) error {
	var (
		syntax    *json.SyntaxError
		typ       *json.UnmarshalTypeError
		xmlSyntax *xml.SyntaxError
	)
	switch {
	case errors.Is(err, st.ErrServerNotFound),
		errors.As(err, &syntax), errors.As(err, &typ), errors.As(err, &xmlSyntax),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ErrCatalogMalformed
	default:
		return ErrCatalogUnreachable
	}
}
