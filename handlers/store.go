package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/intercept"
	"github.com/always-cache/intercept/cache"
	cachekey "github.com/always-cache/intercept/pkg/cache-key"
	cacheupdate "github.com/always-cache/intercept/pkg/cache-update"
	serializer "github.com/always-cache/intercept/pkg/response-serializer"
)

var ErrNotStored = errors.New("no stored response")

type StoreConfig struct {
	Cache cache.Provider
	Keyer cachekey.CacheKeyer
	// Next produces the response when nothing is stored, e.g. a Network handler.
	// Without Next a miss is an error.
	Next intercept.Handler
	// TTL is used for responses without an explicit freshness lifetime.
	// Such responses are not stored if TTL is zero.
	TTL    time.Duration
	Logger *zerolog.Logger
}

// Store answers requests with stored responses and stores the responses of Next.
// Only GET requests are stored; other methods go to Next.
type Store struct {
	cache cache.Provider
	keyer cachekey.CacheKeyer
	next  intercept.Handler
	ttl   time.Duration
	log   zerolog.Logger
}

func NewStore(config StoreConfig) *Store {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Store{
		cache: config.Cache,
		keyer: config.Keyer,
		next:  config.Next,
		ttl:   config.TTL,
		log:   logger.With().Str("handler", "store").Logger(),
	}
}

func (s *Store) Handle(opts intercept.HandlerOptions) (*http.Response, error) {
	req := opts.Request
	if req.URL != opts.URL {
		req = req.Clone(req.Context())
		req.URL = opts.URL
	}
	var status CacheStatus
	if req.Method != http.MethodGet {
		status.Forward(CacheStatusFwdMethod)
		return s.forward(opts, req, &status, false)
	}

	key := s.keyer.Key(req)
	if parseCacheControl(req.Header.Values("Cache-Control")).has("no-cache") {
		status.Forward(CacheStatusFwdRequest)
		return s.forward(opts, req, &status, true)
	}
	if res, entry, ok := s.lookup(key); ok {
		s.log.Trace().Str("key", key).Msg("Found stored response")
		res.Response.Request = opts.Request
		age := int64(res.Age(time.Now()).Seconds())
		res.Response.Header.Set("Age", strconv.FormatInt(age, 10))
		var ttl int64
		if !entry.Expires.IsZero() {
			ttl = int64(time.Until(entry.Expires).Seconds())
		}
		status.Hit(ttl)
		res.Response.Header.Set("Cache-Status", status.String())
		return res.Response, nil
	}
	status.Forward(CacheStatusFwdUriMiss)
	return s.forward(opts, req, &status, true)
}

func (s *Store) lookup(key string) (serializer.TimedResponse, cache.Entry, bool) {
	entry, ok, err := s.cache.Get(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Could not get stored response")
		return serializer.TimedResponse{}, entry, false
	}
	if !ok {
		return serializer.TimedResponse{}, entry, false
	}
	res, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Purging unreadable stored response")
		s.cache.Purge(key)
		return serializer.TimedResponse{}, entry, false
	}
	return res, entry, true
}

func (s *Store) forward(opts intercept.HandlerOptions, req *http.Request, status *CacheStatus, store bool) (*http.Response, error) {
	if s.next == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotStored, opts.URL)
	}
	requestTime := time.Now()
	res, err := s.next.Handle(opts)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotStored, opts.URL)
	}
	s.applyUpdates(req, res)
	if store {
		if stored, err := s.Put(req, res, requestTime); err != nil {
			s.log.Warn().Err(err).Str("url", opts.URL.String()).Msg("Could not store response")
		} else if stored {
			status.Stored()
		}
	}
	res.Header.Set("Cache-Status", status.String())
	return res, nil
}

// Put stores the response to the request, if it may be stored.
// The response body is buffered so the response can still be used.
func (s *Store) Put(req *http.Request, res *http.Response, requestTime time.Time) (bool, error) {
	ttl, ok := s.expiration(req, res)
	if !ok {
		return false, nil
	}
	if res.Request == nil {
		res.Request = req
	}
	now := time.Now()
	bts, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:    res,
		RequestTime: requestTime,
		StoredAt:    now,
	})
	if err != nil {
		return false, err
	}
	key := s.keyer.Key(req)
	s.log.Trace().Str("key", key).Dur("ttl", ttl).Msg("Storing response")
	err = s.cache.Put(cache.Entry{
		Key:      key,
		Expires:  now.Add(ttl),
		StoredAt: now,
		Bytes:    bts,
	})
	return err == nil, err
}

func (s *Store) expiration(req *http.Request, res *http.Response) (time.Duration, bool) {
	if req.Method != http.MethodGet || mustNotStore(req, res) {
		return 0, false
	}
	if ttl, ok := freshnessLifetime(res); ok {
		return ttl, ttl > 0
	}
	if res.StatusCode != http.StatusOK {
		return 0, false
	}
	return s.ttl, s.ttl > 0
}

// applyUpdates purges the stored responses named by the Cache-Update headers
// of a response to an unsafe request.
func (s *Store) applyUpdates(req *http.Request, res *http.Response) {
	for _, update := range cacheupdate.GetCacheUpdates(req, res) {
		updateReq, err := http.NewRequest(http.MethodGet, update.URL.String(), nil)
		if err != nil {
			continue
		}
		key := s.keyer.Key(updateReq)
		purge := func() {
			s.log.Trace().Str("key", key).Msg("Purging updated response")
			if err := s.cache.Purge(key); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("Could not purge updated response")
			}
		}
		if update.Delay > 0 {
			time.AfterFunc(update.Delay, purge)
		} else {
			purge()
		}
	}
}

// URLs returns the URLs of the stored GET responses.
func (s *Store) URLs() ([]string, error) {
	urls := make([]string, 0)
	err := s.cache.Keys(s.keyer.MethodPrefix(http.MethodGet), func(key string) {
		if _, u, err := s.keyer.URLFromKey(key); err == nil {
			urls = append(urls, u.String())
		}
	})
	return urls, err
}
