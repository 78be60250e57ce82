package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, ErrorResponse{Error: ResponseError{
		Message: msg,
		Type:    errType,
		Code:    code,
		Param:   param,
	}})
}

// writeGenerationError reports a failed generation along with the text it
// produced before failing.
func writeGenerationError(c *echo.Context, id string, err error, partial string) error {
	status, errType := classify(err)
	return c.JSON(status, ErrorResponse{
		ID:   id,
		Text: partial,
		Error: ResponseError{
			Message: err.Error(),
			Type:    errType,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}

// sseWriter streams events over an http.ResponseWriter that can flush.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *echo.Context) (*sseWriter, bool) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, false
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	return &sseWriter{w: res, flusher: flusher}, true
}

func (s *sseWriter) send(v any) error {
	if err := sendSSEChunk(s.w, v); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
