package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const (
	originSeparator = ":"
	methodSeparator = ":"
	extraSeparator  = "\t"
)

type CacheKeyer struct {
	// Unique identifier for the origin, usually the scope URL.
	// Responses of many origins can live in the same cache.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all stored GET responses.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + strings.ToUpper(method) + methodSeparator
}

// Key returns the cache key for a request.
// The key consists of the method and the full URL of the request, so that
// cross-origin requests get keys of their own.
// If the request has a `Cache-Key` header, that value is appended to the key.
func (c CacheKeyer) Key(r *http.Request) string {
	key := c.MethodPrefix(r.Method) + requestURL(r) + extraSeparator
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += ck
	}
	return key
}

// URLFromKey returns the method and URL of the request that resulted in the key.
func (c CacheKeyer) URLFromKey(key string) (string, *url.URL, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return "", nil, fmt.Errorf("%w: key and origin do not match: %s", ErrorMalformedKey, key)
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	keyNoExtra, _, found := strings.Cut(keyNoOrigin, extraSeparator)
	if !found {
		return "", nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	method, rawURL, found := strings.Cut(keyNoExtra, methodSeparator)
	if !found {
		return "", nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, err
	}
	return method, u, nil
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	u := *r.URL
	u.Host = r.Host
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return u.String()
}
