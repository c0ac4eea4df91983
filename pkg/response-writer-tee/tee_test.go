package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponseSaverRecords(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusCreated)
	rs.Write([]byte("Hello world"))

	req := httptest.NewRequest("GET", "/", nil)
	res := rs.Response(req)
	if res.StatusCode != http.StatusCreated || res.Request != req {
		t.Fatalf("Response is %+v", res)
	}
	if res.Header.Get("Content-Type") != "text/plain" || res.ContentLength != 11 {
		t.Fatalf("Headers are %+v", res.Header)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	// a second response gets its own body
	if body, _ := io.ReadAll(rs.Response(req).Body); string(body) != "Hello world" {
		t.Fatalf("Second body is %s", body)
	}
}

func TestResponseSaverTees(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Header().Set("X-Test", "yes")
	rs.Write([]byte("teed"))

	if rr.Code != http.StatusOK || rr.Header().Get("X-Test") != "yes" || rr.Body.String() != "teed" {
		t.Fatalf("Underlying writer got %d %v %s", rr.Code, rr.Header(), rr.Body.String())
	}
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status code is %d", rs.StatusCode())
	}
}
