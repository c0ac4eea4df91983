package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type cacheControl map[string]string

// parseCacheControl takes Cache-Control headers as a slice of strings.
// The last occurrence of a directive wins.
func parseCacheControl(headers []string) cacheControl {
	cc := make(cacheControl)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			cc[strings.ToLower(name)] = strings.Trim(arg, "\"")
		}
	}
	return cc
}

func (cc cacheControl) has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

func (cc cacheControl) seconds(directive string) (time.Duration, bool) {
	val, ok := cc[directive]
	if !ok {
		return 0, false
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// freshnessLifetime returns the explicit freshness lifetime of the response:
// s-maxage, max-age or Expires minus Date, in that order.
func freshnessLifetime(res *http.Response) (time.Duration, bool) {
	cc := parseCacheControl(res.Header.Values("Cache-Control"))
	if val, ok := cc.seconds("s-maxage"); ok {
		return val, true
	}
	if val, ok := cc.seconds("max-age"); ok {
		return val, true
	}
	if expires := res.Header.Get("Expires"); expires != "" {
		exp, err := http.ParseTime(expires)
		if err != nil {
			// invalid Expires means already expired
			return 0, true
		}
		date, err := http.ParseTime(res.Header.Get("Date"))
		if err != nil {
			date = time.Now()
		}
		return exp.Sub(date), true
	}
	return 0, false
}

func mustNotStore(req *http.Request, res *http.Response) bool {
	if parseCacheControl(req.Header.Values("Cache-Control")).has("no-store") {
		return true
	}
	return parseCacheControl(res.Header.Values("Cache-Control")).has("no-store")
}
