// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local info = redis.call("HMGET", key, "tokens", "last_refill")
	local tokens = tonumber(info[1])
	local last_refill = tonumber(info[2])

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local filled_tokens = math.min(capacity, tokens + (delta / 1000 * rate))

	local allowed = 0
	if filled_tokens >= requested then
		filled_tokens = filled_tokens - requested
		allowed = 1
		redis.call("HMSET", key, "tokens", filled_tokens, "last_refill", now)
		redis.call("EXPIRE", key, math.ceil(capacity / rate) * 2)
	end

	return allowed
`)

type ctxKeyLog struct{}
type ctxKeyRequestID struct{}

type logHandler struct {
	log  *logrus.Logger
	next http.Handler
}

type responseRecorder struct {
	b      int
	status int
	w      http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header { return r.w.Header() }

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.w.Write(p)
	r.b += n
	return n, err
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.w.WriteHeader(statusCode)
}

func (lh *logHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, _ := uuid.NewRandom()
	ctx = context.WithValue(ctx, ctxKeyRequestID{}, requestID.String())

	start := time.Now()
	rr := &responseRecorder{w: w}
	log := lh.log.WithFields(logrus.Fields{
		"http.req.path":   r.URL.Path,
		"http.req.method": r.Method,
		"http.req.id":     requestID.String(),
	})
	log.Debug("request started")
	defer func() {
		log.WithFields(logrus.Fields{
			"http.resp.took_ms": int64(time.Since(start) / time.Millisecond),
			"http.resp.status":  rr.status,
			"http.resp.bytes":   rr.b}).Debugf("request complete")
	}()

	w.Header().Set("X-Request-ID", requestID.String())
	ctx = context.WithValue(ctx, ctxKeyLog{}, log)
	lh.next.ServeHTTP(rr, r.WithContext(ctx))
}

func requestLog(r *http.Request) logrus.FieldLogger {
	if log, ok := r.Context().Value(ctxKeyLog{}).(logrus.FieldLogger); ok {
		return log
	}
	return logrus.StandardLogger()
}

type LimiterConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	IPRPS       float64
	IPBurst     int
}

// Limiter is a Redis token bucket shared by every replica. A nil *Limiter
// lets all traffic through.
type Limiter struct {
	client *redis.Client
	cfg    LimiterConfig
	log    *logrus.Logger
}

func NewRedisLimiter(rdb *redis.Client, cfg LimiterConfig, log *logrus.Logger) *Limiter {
	if rdb == nil {
		log.Warn("no redis client, rate limiter disabled")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnf("failed to reach redis: %v, rate limiter disabled", err)
		return nil
	}
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = 1000
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 1000
	}
	if cfg.IPRPS <= 0 {
		cfg.IPRPS = 5
	}
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	return &Limiter{client: rdb, cfg: cfg, log: log}
}

func (l *Limiter) Allow(ctx context.Context, key string, capacity int, rate float64) (bool, error) {
	now := time.Now().UnixMilli()

	keys := []string{fmt.Sprintf("rate_limit:%s", key)}
	args := []interface{}{capacity, rate, now, 1}

	result, err := tokenBucketScript.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

// GlobalAndIPLimiter fails open when Redis errors.
func (l *Limiter) GlobalAndIPLimiter(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		defer cancel()

		globalAllowed, err := l.Allow(ctx, "global_orderservice", l.cfg.GlobalBurst, l.cfg.GlobalRPS)
		if err != nil {
			l.log.Warnf("global limiter redis error: %v", err)
		} else if !globalAllowed {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "system busy"})
			return
		}

		ipAllowed, err := l.Allow(ctx, "ip:"+getRealIP(r), l.cfg.IPBurst, l.cfg.IPRPS)
		if err != nil {
			l.log.Warnf("ip limiter redis error: %v", err)
		} else if !ipAllowed {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getRealIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		// first hop is the client
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		return strings.TrimSpace(ip)
	}
	ip = r.Header.Get("X-Real-IP")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}
