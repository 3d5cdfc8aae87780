// Package proxy is the caller-facing surface of the bridge. Every request is
// classified against the routing rule table and served by the query service
// (reads), the engine (writes), or the legacy platform (passthrough). Any
// failure on the modernized path falls back to forwarding the original
// request to the legacy platform, so the bridge itself never breaks a caller.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/cache"
	"github.com/hemlock-io/relay/router"
	"github.com/hemlock-io/relay/telemetry"
	"github.com/hemlock-io/relay/transform"
)

const maxBodyBytes = 4 << 20

// EngineExecutor executes write operations against the source engine
type EngineExecutor interface {
	Execute(ctx context.Context, w transform.EngineWrite, authorization string) (map[string]interface{}, error)
}

// QueryExecutor executes structured queries against the query service
type QueryExecutor interface {
	Query(ctx context.Context, q transform.QueryRequest) (map[string]interface{}, error)
}

// LegacyForwarder forwards an unmodified request to the legacy platform
type LegacyForwarder interface {
	Forward(r *http.Request, body []byte) (*http.Response, error)
}

// Options wires the proxy's collaborators
type Options struct {
	Router      *router.Router
	Transformer *transform.Transformer
	Cache       *cache.Cache
	Engine      EngineExecutor
	Query       QueryExecutor
	Legacy      LegacyForwarder
}

// Proxy routes caller requests between the modernized and legacy paths
type Proxy struct {
	opts Options
}

func New(opts Options) *Proxy {
	return &Proxy{opts: opts}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Request id for correlating bridge logs with caller traces
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set("X-Request-Id", reqID)
	}
	w.Header().Set("X-Request-Id", reqID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
		return
	}
	r.Body.Close()

	classification, rule := p.opts.Router.Classify(r.Method, r.URL.Path)
	label := string(classification)

	defer func() {
		telemetry.RouteDurationSeconds.With(label).Observe(time.Since(start).Seconds())
	}()

	switch classification {
	case router.Read:
		p.handleRead(w, r, rule, body)
	case router.Write:
		p.handleWrite(w, r, rule, body)
	default:
		telemetry.RoutedRequestsTotal.With(label, "forwarded").Inc()
		p.forward(w, r, body)
	}
}

// handleRead serves a classified read from the cache or the query service,
// falling back to the legacy platform when neither can answer.
func (p *Proxy) handleRead(w http.ResponseWriter, r *http.Request, rule *router.Rule, body []byte) {
	kind := rule.Kind
	entityID := pathID(r.URL.Path, rule.Pattern)

	if entityID != "" {
		if cached, ok := p.opts.Cache.GetEntity(kind, entityID); ok {
			telemetry.RoutedRequestsTotal.With("read", "cache_hit").Inc()
			writeJSON(w, http.StatusOK, cached)
			return
		}
	} else {
		if cached, ok := p.opts.Cache.GetList(kind, []byte(r.URL.RawQuery)); ok {
			telemetry.RoutedRequestsTotal.With("read", "cache_hit").Inc()
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	q, err := p.opts.Transformer.ToQuery(kind, entityID, r.URL.Query())
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Read transformation failed, falling back")
		p.fallback(w, r, body, "read")
		return
	}

	raw, err := p.opts.Query.Query(r.Context(), q)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Query service call failed, falling back")
		p.fallback(w, r, body, "read")
		return
	}

	out, err := p.opts.Transformer.FromQueryResponse(kind, raw)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Response reshaping failed, falling back")
		p.fallback(w, r, body, "read")
		return
	}

	if entityID != "" {
		// Single-entity read: unwrap the list shape. An empty result may
		// mean the entity exists only on the legacy platform, so fall back
		// instead of answering 404 ourselves.
		data, _ := out["data"].([]interface{})
		if len(data) == 0 {
			p.fallback(w, r, body, "read")
			return
		}
		encoded, err := json.Marshal(data[0])
		if err != nil {
			p.fallback(w, r, body, "read")
			return
		}
		telemetry.RoutedRequestsTotal.With("read", "served").Inc()
		writeJSON(w, http.StatusOK, encoded)
		return
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		p.fallback(w, r, body, "read")
		return
	}

	p.opts.Cache.PutList(kind, []byte(r.URL.RawQuery), encoded)
	telemetry.RoutedRequestsTotal.With("read", "served").Inc()
	writeJSON(w, http.StatusOK, encoded)
}

// handleWrite executes a classified write against the engine and populates
// the read cache so an immediate read observes the write.
func (p *Proxy) handleWrite(w http.ResponseWriter, r *http.Request, rule *router.Rule, body []byte) {
	kind := rule.Kind

	bodyMap := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &bodyMap); err != nil {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("Unparseable write body, falling back")
			p.fallback(w, r, body, "write")
			return
		}
	}

	ew, err := p.opts.Transformer.ToEngineWrite(kind, rule.Operation, pathID(r.URL.Path, rule.Pattern), bodyMap)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Write transformation failed, falling back")
		p.fallback(w, r, body, "write")
		return
	}

	entity, err := p.opts.Engine.Execute(r.Context(), ew, r.Header.Get("Authorization"))
	if err != nil {
		if ee, ok := err.(*EngineError); ok {
			// Validation rejections are surfaced directly; retrying the same
			// payload against the legacy platform cannot make it valid.
			telemetry.RoutedRequestsTotal.With("write", "rejected").Inc()
			writeJSON(w, ee.Status, ee.Body)
			return
		}
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Engine call failed, falling back")
		p.fallback(w, r, body, "write")
		return
	}

	// The platform state changed. Drop stale cache entries before deciding
	// how to answer; a delete must not keep serving the pre-delete body.
	if id := pathID(r.URL.Path, rule.Pattern); id != "" {
		p.opts.Cache.InvalidateEntity(kind, id)
	}
	p.opts.Cache.InvalidateLists(kind)

	out, err := p.opts.Transformer.FromEngineResponse(kind, entity)
	if err != nil {
		// The write already succeeded; forwarding now would apply it twice.
		// Return the engine shape rather than re-executing anywhere.
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Engine response reshaping failed, returning engine shape")
		encoded, _ := json.Marshal(entity)
		telemetry.RoutedRequestsTotal.With("write", "served").Inc()
		writeJSON(w, http.StatusOK, encoded)
		return
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to encode write response")
		writeJSON(w, http.StatusOK, []byte("{}"))
		return
	}

	if id, ok := out["id"].(string); ok && id != "" {
		p.opts.Cache.PutEntity(kind, id, encoded)
	}

	telemetry.RoutedRequestsTotal.With("write", "served").Inc()
	writeJSON(w, http.StatusOK, encoded)
}

// fallback forwards the original request to the legacy platform after a
// modernized-path failure.
func (p *Proxy) fallback(w http.ResponseWriter, r *http.Request, body []byte, label string) {
	log.Debug().
		Str("request_id", r.Header.Get("X-Request-Id")).
		Str("path", r.URL.Path).
		Str("classification", label).
		Msg("Falling back to legacy platform")
	telemetry.FallbacksTotal.With(label).Inc()
	telemetry.RoutedRequestsTotal.With(label, "fallback").Inc()
	p.forward(w, r, body)
}

// forward relays the unmodified request and returns the legacy response as-is
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	resp, err := p.opts.Legacy.Forward(r, body)
	if err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Legacy platform unreachable")
		http.Error(w, `{"error":"legacy platform unavailable"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to relay legacy response body")
	}
}

// pathID extracts the trailing path segment when the rule pattern captures a
// single entity, e.g. "/api/device/*" against "/api/device/dev-1".
func pathID(path, pattern string) string {
	if !strings.HasSuffix(pattern, "/*") {
		return ""
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return path[idx+1:]
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// Serve runs the proxy listener until ctx is cancelled
func Serve(ctx context.Context, addr string, p *Proxy) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Info().Str("addr", addr).Msg("Proxy listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
