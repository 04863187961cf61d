package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/domain"
	"github.com/SirClappington/prcworker/internal/queue"
	"github.com/SirClappington/prcworker/internal/upstream"
)

const maxRequestBody = 64 << 10

type errorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// proxy serves one catalog endpoint. Reads are answered from the cache when
// possible and share in-progress queue items otherwise.
func (s *Server) proxy(e domain.Endpoint, d domain.Descriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(upstream.HeaderServerKey)
		if d.KeyRequired && key == "" {
			writeError(w, http.StatusBadRequest, domain.CodeKeyNotProvided, "You must provide a Server-Key header.")
			return
		}

		cacheKey := e.String() + ":" + domain.HashKey(key)
		// global-scope calls act on the credential itself and are never shared
		shared := d.Idempotent() && d.Scope != domain.ScopeGlobal
		cacheable := shared && s.cache != nil
		if cacheable {
			var cached json.RawMessage
			hit, err := s.cache.Get(r.Context(), cacheKey, &cached)
			if err != nil {
				s.logger.Warn("cache read failed", zap.String("tier", s.cache.Tier()), zap.Error(err))
			}
			if hit {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}

		req := queue.Request{Endpoint: e, TenantKey: key}
		if shared {
			req.Dedup = queue.SameRead(e, key)
		}
		if !d.Idempotent() {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, domain.CodeUnknown, "could not read request body")
				return
			}
			if len(body) > 0 && !json.Valid(body) {
				writeError(w, http.StatusBadRequest, domain.CodeUnknown, "request body must be JSON")
				return
			}
			if len(body) > 0 {
				req.Body = body
			}
		}

		item, err := s.sched.Submit(req)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrKeyRequired):
				writeError(w, http.StatusBadRequest, domain.CodeKeyNotProvided, err.Error())
			case errors.Is(err, domain.ErrUnknownEndpoint):
				writeError(w, http.StatusBadRequest, domain.CodeUnknown, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, domain.CodeUnknown, err.Error())
			}
			return
		}

		done, err := s.sched.AwaitCompletion(r.Context(), item, 0, 0)
		if err != nil {
			if errors.Is(err, queue.ErrAwaitTimeout) {
				writeError(w, http.StatusGatewayTimeout, domain.CodeUnknown, "The request is still queued; try again shortly.")
			}
			// otherwise the client went away
			return
		}

		out := done.Outcome()
		if !out.Success {
			writeError(w, failureStatus(out.FailureCode), out.FailureCode, out.FailureReason)
			return
		}
		if cacheable {
			if err := s.cache.Set(r.Context(), cacheKey, out.Result, s.cacheTTL); err != nil {
				s.logger.Warn("cache write failed", zap.String("tier", s.cache.Tier()), zap.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, out.Result)
	}
}

func failureStatus(code domain.ErrorCode) int {
	switch {
	case code.Credential():
		return http.StatusForbidden
	case code == domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
