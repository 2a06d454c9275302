package speedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transferer performs one transfer request of the given kind against a
// server, reporting every chunk through add as it completes.
type Transferer interface {
	Transfer(ctx context.Context, kind TransferKind, srv *Server, add func(n int64)) error
}

// TransfererFunc adapts a function to Transferer.
type TransfererFunc func(ctx context.Context, kind TransferKind, srv *Server, add func(n int64)) error

func (f TransfererFunc) Transfer(ctx context.Context, kind TransferKind, srv *Server, add func(n int64)) error {
	return f(ctx, kind, srv, add)
}

// HTTPTransferer implements the legacy HTTP endpoint contract: downloads GET
// random{N}x{N}.jpg and discard the body, uploads POST a generated zero
// payload to upload.php.
type HTTPTransferer struct {
	Client       *http.Client
	UserAgent    string
	ChunkSize    int
	DownloadSize int
	UploadSize   int64
}

func (t *HTTPTransferer) Transfer(ctx context.Context, kind TransferKind, srv *Server, add func(n int64)) error {
	ep, err := EndpointsFor(srv.URL)
	if err != nil {
		return err
	}
	switch kind {
	case Upload:
		return t.upload(ctx, ep, add)
	default:
		return t.download(ctx, ep, add)
	}
}

func (t *HTTPTransferer) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransferer) chunkSize() int {
	if t.ChunkSize > 0 {
		return t.ChunkSize
	}
	return DefaultChunkSize
}

func (t *HTTPTransferer) download(ctx context.Context, ep Endpoints, add func(n int64)) error {
	size := t.DownloadSize
	if size <= 0 {
		size = DefaultDownloadSize
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.Download(size, time.Now()), http.NoBody)
	if err != nil {
		return err
	}
	t.setHeaders(req)

	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download status %d", resp.StatusCode)
	}

	buf := make([]byte, t.chunkSize())
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			add(int64(n))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *HTTPTransferer) upload(ctx context.Context, ep Endpoints, add func(n int64)) error {
	size := t.UploadSize
	if size <= 0 {
		size = DefaultUploadSize
	}
	body := &zeroPayload{remaining: size, chunk: t.chunkSize(), add: add}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Upload(time.Now()), body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	t.setHeaders(req)

	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransferer) setHeaders(req *http.Request) {
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	req.Header.Set("Cache-Control", "no-cache")
}

// zeroPayload is an upload body of remaining zero bytes handed out in chunks
// of at most chunk bytes. Each chunk is counted when the transport takes it.
type zeroPayload struct {
	remaining int64
	chunk     int
	add       func(n int64)
}

func (z *zeroPayload) Read(p []byte) (int, error) {
	if z.remaining <= 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > z.chunk {
		n = z.chunk
	}
	if int64(n) > z.remaining {
		n = int(z.remaining)
	}
	clear(p[:n])
	z.remaining -= int64(n)
	if z.add != nil {
		z.add(int64(n))
	}
	return n, nil
}
