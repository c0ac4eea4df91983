package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	storedAtHeaderName    = "Intercept-Stored-At"
	requestTimeHeaderName = "Intercept-Request-Time"
)

var ErrMalformed = errors.New("malformed stored response")

type TimedResponse struct {
	Response *http.Response
	// The value of the clock when the request that resulted in the response was sent.
	RequestTime time.Time
	// The value of the clock when the response was stored.
	// Needed for age calculation.
	StoredAt time.Time
}

// Age returns how long ago the response was stored.
func (t TimedResponse) Age(now time.Time) time.Duration {
	if age := now.Sub(t.StoredAt); age > 0 {
		return age
	}
	return 0
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// StoredResponseToBytes writes the request (without body) and the response in their
// HTTP/1.1 representation. The response body is read and replaced so the response can
// still be used afterwards.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	buf := &bytes.Buffer{}

	if req := res.Request; req != nil {
		head := req.Clone(req.Context())
		head.Body = nil
		head.ContentLength = 0
		if err := head.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	} else {
		log.Warn().Msg("Request not set")
	}
	buf.Write(delim)

	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	res.Header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.Unix(), 10))
	bts, err := responseToBytes(res)
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(requestTimeHeaderName)
	if err != nil {
		return nil, err
	}
	buf.Write(bts)

	return buf.Bytes(), nil
}

func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	reqTime, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(requestTimeHeaderName)
	sRes.Response = res
	sRes.StoredAt = time.Unix(storedAt, 0)
	sRes.RequestTime = time.Unix(reqTime, 0)
	return sRes, nil
}

// bytesToResponse converts a byte slice to a http.Response.
// The body of the returned response is fully buffered.
func bytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, ErrMalformed
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Bytes("bytes", reqBytes).Msg("Could not read request from stored response")
		} else {
			req = r
		}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response and sets the body back.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}
