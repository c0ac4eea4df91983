package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheUpdate represents a single `Cache-Update` entry.
// A response to an unsafe request uses it to name a resource whose stored response is outdated,
// e.g. `Cache-Update: /articles; delay=5`.
type CacheUpdate struct {
	// Absolute URL of the resource.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// GetCacheUpdates gets the updates specified by the response.
// The request URL is used to resolve relative update URLs.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	if !unsafeRequest(req) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, header := range res.Header.Values("Cache-Update") {
		for _, update := range strings.Split(header, ",") {
			update = strings.TrimSpace(update)
			if update == "" {
				continue
			}
			u, err := getURL(req.URL, update)
			if err != nil {
				continue
			}
			updates = append(updates, CacheUpdate{URL: u, Delay: getDelay(update)})
		}
	}
	return updates
}

// getURL returns the URL to update, the first parameter in the header value
// (separated by a semicolon).
func getURL(base *url.URL, update string) (*url.URL, error) {
	possiblyRelativeURL, _, _ := strings.Cut(update, ";")
	ref, err := url.Parse(strings.TrimSpace(possiblyRelativeURL))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

// getDelay returns the `delay=N` directive in seconds, or 0.
func getDelay(update string) time.Duration {
	if matches := delayRegexp.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}

func unsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
