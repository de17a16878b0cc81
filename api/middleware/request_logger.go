package middleware

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/vova616/xxhash"
)

type requestLogger struct {
	buf *bytes.Buffer
}

func newRequestLogger() *requestLogger {
	return &requestLogger{
		buf: &bytes.Buffer{},
	}
}

func (r *requestLogger) write(format string, args ...interface{}) {
	fmt.Fprintf(r.buf, format, args...)
}

func (r *requestLogger) requestID(id string) *requestLogger {
	if id != "" {
		r.write("[%s] ", id)
	}
	return r
}

func (r *requestLogger) requestType(reqType string) *requestLogger {
	r.write("%s ", reqType)
	return r
}

func (r *requestLogger) request(request string) *requestLogger {
	path := strings.Split(request, "?")[0]
	segments := strings.Split(path, "/")
	wrote := false
	for _, s := range segments {
		if s != "" {
			r.write("/%s", s)
			wrote = true
		}
	}
	if !wrote {
		r.write("/")
	}
	return r
}

// params logs a hash of the query string, instances may carry sensitive values.
func (r *requestLogger) params(request string) *requestLogger {
	parts := strings.SplitN(request, "?", 2)
	if len(parts) > 1 {
		hash := xxhash.Checksum32([]byte(parts[1]))
		r.write("?%#x ", hash)
	} else {
		r.buf.WriteString(" ")
	}
	return r
}

func (r *requestLogger) status(status int) *requestLogger {
	r.write("%03d", status)
	return r
}

func (r *requestLogger) size(bytes int) *requestLogger {
	r.write(" %dB", bytes)
	return r
}

func (r *requestLogger) duration(duration time.Duration) *requestLogger {
	r.buf.WriteString(" in ")
	r.write("%.2fms", duration.Seconds()*1000)
	return r
}

func (r *requestLogger) render() *bytes.Buffer {
	return r.buf
}
