package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit returns middleware that limits the maximum request body
// size. The limit is a human-readable string: "1M", "512K", "1G"; a bare
// number is bytes. Requests whose Content-Length exceeds the limit
// receive HTTP 413; a body that runs past the limit without declaring it
// fails on read with an error instead.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Body == nil || c.Request().Body == http.NoBody {
				return next(c)
			}

			// Content-Length allows early rejection
			if c.Request().ContentLength > maxBytes {
				return payloadTooLarge(c, maxBytes)
			}

			// enforce the limit even when Content-Length is missing or lies
			c.Request().Body = &limitedReadCloser{
				reader: io.LimitReader(c.Request().Body, maxBytes+1),
				closer: c.Request().Body,
				limit:  maxBytes,
			}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	reader io.Reader
	closer io.Closer
	limit  int64
	read   int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	n, err := l.reader.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, fmt.Errorf("request body exceeds limit of %d bytes", l.limit)
	}
	return n, err
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

func payloadTooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]interface{}{
		"error": fmt.Sprintf("request body exceeds limit of %d bytes", limit),
	})
}

// parseLimit converts "1M"-style strings to bytes. Unparseable limits
// fall back to 1 megabyte.
func parseLimit(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 1 << 20
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
