package speedtest

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Download sizes served by the legacy endpoint layout (random{N}x{N}.jpg).
var downloadSizes = []int{350, 500, 750, 1000, 1500, 2000, 2500, 3000, 3500, 4000}

// Endpoints are the measurement URLs derived from a server URL.
//
// For "http://host:8080/speedtest/upload.php" the base is
// "http://host:8080/speedtest".
type Endpoints struct {
	base   *url.URL
	upload *url.URL
}

// EndpointsFor derives the endpoint layout from a server URL.
func EndpointsFor(serverURL string) (Endpoints, error) {
	raw := strings.TrimSpace(serverURL)
	if raw == "" {
		return Endpoints{}, fmt.Errorf("empty server url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoints{}, fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return Endpoints{}, fmt.Errorf("server url %q has no host", serverURL)
	}

	upload := *u
	base := *u
	base.RawQuery = ""
	base.Fragment = ""
	p := base.Path
	switch {
	case p == "" || p == "/":
		base.Path = ""
		upload.Path = "/upload.php"
	case strings.HasSuffix(p, "/"):
		base.Path = strings.TrimSuffix(p, "/")
		upload.Path = base.Path + "/upload.php"
	case path.Ext(p) != "":
		base.Path = path.Dir(p)
		if base.Path == "/" {
			base.Path = ""
		}
	default:
		base.Path = p
		upload.Path = p + "/upload.php"
	}
	return Endpoints{base: &base, upload: &upload}, nil
}

// Latency returns the timing-only endpoint.
func (e Endpoints) Latency(now time.Time) string {
	return e.join("latency.txt", now)
}

// Download returns the filler download endpoint for the requested size.
func (e Endpoints) Download(size int, now time.Time) string {
	size = downloadSizeAtLeast(size)
	return e.join(fmt.Sprintf("random%dx%d.jpg", size, size), now)
}

// Upload returns the upload endpoint.
func (e Endpoints) Upload(now time.Time) string {
	u := *e.upload
	q := u.Query()
	q.Set("x", strconv.FormatInt(now.UnixNano(), 36))
	u.RawQuery = q.Encode()
	return u.String()
}

func (e Endpoints) join(name string, now time.Time) string {
	u := *e.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + name
	q := u.Query()
	// Cache buster; intermediaries must not serve measurement bodies.
	q.Set("x", strconv.FormatInt(now.UnixNano(), 36))
	u.RawQuery = q.Encode()
	return u.String()
}

func downloadSizeAtLeast(size int) int {
	if size <= downloadSizes[0] {
		return downloadSizes[0]
	}
	for _, s := range downloadSizes {
		if s >= size {
			return s
		}
	}
	return downloadSizes[len(downloadSizes)-1]
}
