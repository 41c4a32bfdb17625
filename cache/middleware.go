package cache

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware caches GET responses of the public archive
// (/archive, /archive/<list>, /archive/<list>/<message>).
func Middleware(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		list, page, ok := archiveKey(c.Request.URL.Path)
		if !ok {
			c.Next()
			return
		}

		if cached, found := store.Read(list, page); found {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(cached))
			c.Abort()
			return
		}

		c.Header("X-Cache", "MISS")
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
		}
		c.Writer = writer

		c.Next()

		// Only cache successful HTML responses
		if c.Writer.Status() == http.StatusOK &&
			c.Writer.Header().Get("Content-Type") == "text/html; charset=utf-8" {
			store.Write(list, page, writer.body.String())
		}
	}
}

func archiveKey(path string) (list, page string, ok bool) {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 || parts[0] != "archive" {
		return "", "", false
	}
	switch len(parts) {
	case 1:
		return "", "index", true
	case 2:
		return parts[1], "index", true
	case 3:
		return parts[1], "message-" + parts[2], true
	}
	return "", "", false
}
