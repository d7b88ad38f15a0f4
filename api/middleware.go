package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var errInflatedBodyTooLarge = errors.New("decompressed request body too large")

// GzipRequestMiddleware decompresses gzip-encoded request bodies so
// handlers can work with plain JSON payloads. Requests with invalid
// gzip payloads are rejected with a 400 response. Inflation is capped
// at the mutation body limit so a tiny compressed payload cannot
// expand without bound.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{reader: gr, body: body, limit: mutationMaxSize}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// gzipReadCloser inflates the request body while enforcing a budget on
// the decompressed size. Once the budget is exceeded every read fails,
// so the handler's decode errors out instead of inflating a bomb.
type gzipReadCloser struct {
	reader   *gzip.Reader
	body     io.Closer
	limit    int64
	consumed int64
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	if g.consumed > g.limit {
		return 0, errInflatedBodyTooLarge
	}
	n, err := g.reader.Read(p)
	g.consumed += int64(n)
	if g.consumed > g.limit {
		return n, errInflatedBodyTooLarge
	}
	return n, err
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.reader != nil {
		err = g.reader.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
