package handlers

import "fmt"

const cacheStatusName = "Intercept"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's Cache-Control directives did not allow its use.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

// CacheStatus is the value of the Cache-Status response header (RFC 9211).
type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	stored    bool
	ttl       int64
	detail    string
}

func (cs *CacheStatus) Hit(ttl int64) {
	cs.status = CacheStatusHit
	cs.ttl = ttl
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheStatusName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.status == CacheStatusHit && cs.ttl != 0 {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.ttl)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
