package speedtest

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestEndpointsFor(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name     string
		in       string
		latency  string
		download string
		upload   string
	}{
		{
			name:     "legacy upload.php",
			in:       "http://speed.example.net:8080/speedtest/upload.php",
			latency:  "http://speed.example.net:8080/speedtest/latency.txt",
			download: "http://speed.example.net:8080/speedtest/random2000x2000.jpg",
			upload:   "http://speed.example.net:8080/speedtest/upload.php",
		},
		{
			name:     "bare host",
			in:       "speed.example.net:8080",
			latency:  "http://speed.example.net:8080/latency.txt",
			download: "http://speed.example.net:8080/random2000x2000.jpg",
			upload:   "http://speed.example.net:8080/upload.php",
		},
		{
			name:     "directory",
			in:       "https://example.org/st/",
			latency:  "https://example.org/st/latency.txt",
			download: "https://example.org/st/random2000x2000.jpg",
			upload:   "https://example.org/st/upload.php",
		},
		{
			name:     "root script",
			in:       "http://example.org/upload.php",
			latency:  "http://example.org/latency.txt",
			download: "http://example.org/random2000x2000.jpg",
			upload:   "http://example.org/upload.php",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ep, err := EndpointsFor(tt.in)
			if err != nil {
				t.Fatalf("EndpointsFor(%q) error: %v", tt.in, err)
			}
			check := func(kind, got, want string) {
				u, err := url.Parse(got)
				if err != nil {
					t.Fatalf("%s url %q: %v", kind, got, err)
				}
				if u.Query().Get("x") == "" {
					t.Fatalf("%s url %q lacks cache buster", kind, got)
				}
				u.RawQuery = ""
				if u.String() != want {
					t.Fatalf("%s = %q, want %q", kind, u.String(), want)
				}
			}
			check("latency", ep.Latency(now), tt.latency)
			check("download", ep.Download(2000, now), tt.download)
			check("upload", ep.Upload(now), tt.upload)
		})
	}
}

func TestEndpointsForInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "http://"} {
		if _, err := EndpointsFor(in); err == nil {
			t.Fatalf("EndpointsFor(%q) expected error", in)
		}
	}
}

func TestDownloadSizeAtLeast(t *testing.T) {
	t.Parallel()
	cases := map[int]int{0: 350, 350: 350, 400: 500, 2000: 2000, 2200: 2500, 9000: 4000}
	for in, want := range cases {
		if got := downloadSizeAtLeast(in); got != want {
			t.Fatalf("downloadSizeAtLeast(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestCacheBusterChangesOverTime(t *testing.T) {
	t.Parallel()
	ep, err := EndpointsFor("http://h/speedtest/upload.php")
	if err != nil {
		t.Fatal(err)
	}
	a := ep.Latency(time.Unix(1, 0))
	b := ep.Latency(time.Unix(2, 0))
	if a == b || !strings.Contains(a, "latency.txt?x=") {
		t.Fatalf("cache buster not applied: %q %q", a, b)
	}
}
