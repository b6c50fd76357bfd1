package edgecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/driftnote/driftnote/internal/core/observability/log"
)

// Config holds edge service configuration.
type Config struct {
	// ListenAddr is the edge's own listen address.
	ListenAddr string `yaml:"listen_addr"`

	// OriginURL is the app origin requests are proxied to.
	OriginURL string `yaml:"origin_url"`

	// RedisAddr hosts the pub/sub channel relaying page messages.
	RedisAddr string `yaml:"redis_addr"`

	// CacheSize bounds the response cache, in entries.
	CacheSize int `yaml:"cache_size"`

	// Assets is the manifest prefetched on start.
	Assets []string `yaml:"assets"`

	// RealtimePrefix marks paths that always bypass the cache.
	RealtimePrefix string `yaml:"realtime_prefix"`

	// FetchTimeout bounds a single origin fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefaultConfig returns defaults wired for local development.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":3001",
		OriginURL:      "http://localhost:3000",
		RedisAddr:      "localhost:6379",
		CacheSize:      4096,
		RealtimePrefix: "/realtime",
		FetchTimeout:   10 * time.Second,
		Assets: []string{
			"/",
			"/css/index.css",
			"/css/extra.css",
			"/js/index.js",
			"/js/editor.js",
			"/js/render.js",
		},
	}
}

var imagePattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|bmp|webp)$`)

// Service is the caching edge process.
type Service struct {
	config Config
	cache  *Cache
	origin *url.URL
	proxy  *httputil.ReverseProxy
	client *http.Client
	rdb    *redis.Client
	group  singleflight.Group
	logger log.Log
}

// New builds the edge service. The redis client is used lazily; a dead
// redis only degrades the message relay, never asset serving.
func New(config Config, logger log.Log) (*Service, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultConfig().CacheSize
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if config.RealtimePrefix == "" {
		config.RealtimePrefix = DefaultConfig().RealtimePrefix
	}

	origin, err := url.Parse(config.OriginURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse origin url")
	}
	cache, err := NewCache(config.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create response cache")
	}

	return &Service{
		config: config,
		cache:  cache,
		origin: origin,
		proxy:  httputil.NewSingleHostReverseProxy(origin),
		client: &http.Client{Timeout: config.FetchTimeout},
		rdb:    redis.NewClient(&redis.Options{Addr: config.RedisAddr}),
		logger: logger.With(log.String("component", "edgecache")),
	}, nil
}

// Close releases the redis client.
func (s *Service) Close() error {
	return s.rdb.Close()
}

// Prefetch warms the cache with the asset manifest. Failures are logged
// per asset; a cold cache is a degraded start, not a failed one.
func (s *Service) Prefetch(ctx context.Context) {
	warmed := 0
	for _, path := range s.config.Assets {
		if _, err := s.fetchAndStore(ctx, http.MethodGet, path); err != nil {
			s.logger.Warn("Asset prefetch failed", log.String("path", path), log.Error(err))
			continue
		}
		warmed++
	}
	s.logger.Info("Asset prefetch done",
		log.Int("warmed", warmed), log.Int("total", len(s.config.Assets)))
}

// Handler builds the edge's HTTP handler.
func (s *Service) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/messages", s.handleMessage)
	m.HandleFunc("/messages/ws", s.handleMessageSocket)
	m.HandleFunc("/", s.serve)
	return m
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	// Realtime traffic never touches the cache.
	if strings.HasPrefix(r.URL.Path, s.config.RealtimePrefix) {
		s.proxy.ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodGet {
		s.proxy.ServeHTTP(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.serveNetworkFirst(w, r)
		return
	}
	s.serveCacheFirst(w, r)
}

// serveNetworkFirst fetches live and falls back to the cache, for API
// reads that should be fresh whenever the origin is up.
func (s *Service) serveNetworkFirst(w http.ResponseWriter, r *http.Request) {
	key := Key(r.Method, r.URL.RequestURI())
	entry, err := s.fetchAndStore(r.Context(), r.Method, r.URL.RequestURI())
	if err == nil {
		writeEntry(w, entry)
		return
	}
	if cached, ok := s.cache.Get(key); ok {
		s.logger.Debug("Origin down, API served from cache", log.String("path", r.URL.Path))
		writeEntry(w, cached)
		return
	}
	http.Error(w, "origin unreachable", http.StatusBadGateway)
}

// serveCacheFirst serves a hit immediately and revalidates in the
// background; a miss fetches through, and a failed fetch degrades to a
// content-type placeholder.
func (s *Service) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	key := Key(r.Method, r.URL.RequestURI())
	if entry, ok := s.cache.Get(key); ok {
		writeEntry(w, entry)
		go s.revalidate(key, r.Method, r.URL.RequestURI())
		return
	}

	entry, err := s.fetchAndStore(r.Context(), r.Method, r.URL.RequestURI())
	if err != nil {
		s.logger.Warn("Origin fetch failed, serving placeholder",
			log.String("path", r.URL.Path), log.Error(err))
		s.servePlaceholder(w, r)
		return
	}
	writeEntry(w, entry)
}

// revalidate refreshes one cached entry, deduplicating concurrent
// refreshes of the same key.
func (s *Service) revalidate(key uint64, method, uri string) {
	_, _, _ = s.group.Do(KeyString(key), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.FetchTimeout)
		defer cancel()
		if _, err := s.fetchAndStore(ctx, method, uri); err != nil {
			s.logger.Debug("Background revalidation failed", log.Error(err))
		}
		return nil, nil
	})
}

// fetchAndStore fetches one URI from the origin and caches 200 responses.
func (s *Service) fetchAndStore(ctx context.Context, method, uri string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.origin.String()+uri, nil)
	if err != nil {
		return Entry{}, errors.Wrap(err, "build origin request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Entry{}, errors.Wrap(err, "fetch origin")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, errors.Wrap(err, "read origin body")
	}
	entry := Entry{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if resp.StatusCode == http.StatusOK {
		s.cache.Put(Key(method, uri), entry)
	}
	return entry, nil
}

// servePlaceholder degrades an unreachable resource by content type so the
// page keeps rendering offline.
func (s *Service) servePlaceholder(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, ".js"):
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, `console.log("edge cache: offline script placeholder");`)
	case strings.HasSuffix(path, ".css"):
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, "/* edge cache: offline style placeholder */")
	case imagePattern.MatchString(path):
		w.Header().Set("Content-Type", "image/png")
	case strings.HasPrefix(path, "/notes/") || strings.HasPrefix(path, "/p/"):
		// Note pages fall back to the cached offline shell.
		if shell, ok := s.cache.Get(Key(http.MethodGet, "/")); ok {
			writeEntry(w, shell)
			return
		}
		http.Error(w, "offline and no cached shell", http.StatusServiceUnavailable)
	default:
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "offline: resource unavailable")
	}
}

func writeEntry(w http.ResponseWriter, entry Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}
