package speedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func ms(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }

// scriptedPinger replays per-server results in order. A zero duration means a
// failed sample.
type scriptedPinger struct {
	mu      sync.Mutex
	scripts map[string][]time.Duration
	calls   map[string]int
}

func newScriptedPinger(scripts map[string][]time.Duration) *scriptedPinger {
	return &scriptedPinger{scripts: scripts, calls: map[string]int{}}
}

func (p *scriptedPinger) Ping(ctx context.Context, srv *Server) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls[srv.ID]
	p.calls[srv.ID] = i + 1
	script := p.scripts[srv.ID]
	if i >= len(script) || script[i] == 0 {
		return 0, errors.New("unreachable")
	}
	return script[i], nil
}

// pacedTransfer adds chunk bytes every tick until the context ends, giving
// each stream a rate of chunk/tick.
func pacedTransfer(chunk int64, tick time.Duration) TransfererFunc {
	return func(ctx context.Context, kind TransferKind, srv *Server, add func(int64)) error {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				add(chunk)
			}
		}
	}
}

func failingTransfer(err error) TransfererFunc {
	return func(ctx context.Context, kind TransferKind, srv *Server, add func(int64)) error {
		return err
	}
}

// measurementServer implements the legacy endpoint layout: latency.txt,
// random{N}x{N}.jpg and upload.php.
type measurementServer struct {
	*httptest.Server
	latencyHits  atomic.Int64
	downloadHits atomic.Int64
	uploaded     atomic.Int64
}

func newMeasurementServer(t *testing.T) *measurementServer {
	t.Helper()
	m := &measurementServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/speedtest/latency.txt", func(w http.ResponseWriter, r *http.Request) {
		m.latencyHits.Add(1)
		_, _ = io.WriteString(w, "test=test\n")
	})
	mux.HandleFunc("/speedtest/upload.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		m.uploaded.Add(n)
		_, _ = fmt.Fprintf(w, "size=%d", n)
	})
	mux.HandleFunc("/speedtest/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/speedtest/")
		if !strings.HasPrefix(name, "random") || !strings.HasSuffix(name, ".jpg") {
			http.NotFound(w, r)
			return
		}
		dim := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(name, "random"), ".jpg"), "x", 2)[0]
		n, err := strconv.Atoi(dim)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		m.downloadHits.Add(1)
		// Scaled down so tests stay fast.
		size := n * 64
		w.Header().Set("Content-Length", strconv.Itoa(size))
		buf := make([]byte, 4096)
		for size > 0 {
			k := min(size, len(buf))
			if _, err := w.Write(buf[:k]); err != nil {
				return
			}
			size -= k
		}
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func (m *measurementServer) serverURL() string { return m.URL + "/speedtest/upload.php" }
