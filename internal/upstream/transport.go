package upstream

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// SetCommonHeaders applies the headers every upstream request carries.
// Accept-Encoding is set explicitly, so response decompression is ours to
// do (the transport's automatic gzip handling is bypassed once the header
// is set manually).
func SetCommonHeaders(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
}

// decompressBody wraps resp.Body according to Content-Encoding. The
// returned ReadCloser closes both the decoder and the underlying body.
func decompressBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{r: zr, closers: []io.Closer{zr, resp.Body}}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &decodedBody{r: fr, closers: []io.Closer{fr, resp.Body}}, nil
	case "br":
		return &decodedBody{r: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		rc := zr.IOReadCloser()
		return &decodedBody{r: rc, closers: []io.Closer{rc, resp.Body}}, nil
	default:
		// Unknown encoding: pass through and let the parser complain.
		return resp.Body, nil
	}
}

type decodedBody struct {
	r       io.Reader
	closers []io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
