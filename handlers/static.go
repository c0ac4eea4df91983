package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/always-cache/intercept"
)

// Static always responds with the same response, e.g. an offline page used as catch handler.
type Static struct {
	Status int
	Header http.Header
	Body   []byte
}

func (s Static) Handle(opts intercept.HandlerOptions) (*http.Response, error) {
	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       opts.Request,
	}, nil
}
