package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Garudex-Labs/caracal-sub003/gateway/auth"
	"github.com/Garudex-Labs/caracal-sub003/gateway/middleware"
	"github.com/Garudex-Labs/caracal-sub003/internal/cache"
	"github.com/Garudex-Labs/caracal-sub003/internal/charge"
	"github.com/Garudex-Labs/caracal-sub003/internal/policy"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
)

// HealthProbe checks one dependency for the /health endpoint. Check returns
// nil when the dependency is reachable.
type HealthProbe struct {
	Name  string
	Check func() error
}

// AdminConfig wires the operator-facing surface: health, runtime stats, and
// Prometheus metrics. Separated from the pipeline's Config since none of
// these endpoints participate in the authority pipeline itself.
type AdminConfig struct {
	Registry      *principal.Registry
	Policies      *policy.Store
	Charges       *charge.Manager
	Cache         *cache.Cache
	Replay        *auth.ReplayGuard
	Gateway       *Gateway
	Observability *middleware.Observability
	AdminAuth     *middleware.AdminAuthenticator
	CORS          middleware.CORSConfig

	// Probes are checked by /health. A failing probe degrades the service
	// (503) rather than taking it fully unhealthy, as long as the policy
	// cache can still serve recent decisions.
	Probes []HealthProbe
}

// statsResponse is the payload served at GET /stats.
type statsResponse struct {
	GeneratedAt              time.Time         `json:"generated_at"`
	Requests                 StatsSnapshot     `json:"requests"`
	PrincipalCount           int               `json:"principal_count"`
	ExpiredUnreleasedCharges int               `json:"expired_unreleased_charges"`
	Cache                    cacheStats        `json:"cache"`
	ReplayDefense            *auth.ReplayStats `json:"replay_defense,omitempty"`
}

type cacheStats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	Size           int     `json:"size"`
	HitRate        float64 `json:"hit_rate"`
	OldestEntryAge string  `json:"oldest_entry_age"`
}

type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

// MountAdmin registers /health, /stats, and /metrics directly on r.
// /health is always public; /stats and /metrics sit behind AdminAuth (when
// configured) and CORS. Routes are registered on r itself, rather than a
// nested sub-router, so the caller's own catch-all/NotFound handler (the
// proxied-call pipeline) still sees every other path.
func MountAdmin(r chi.Router, cfg AdminConfig) {
	r.Group(func(gr chi.Router) {
		gr.Use(middleware.CORS(cfg.CORS))

		gr.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeHealth(w, cfg)
		})

		gr.Group(func(admin chi.Router) {
			if cfg.AdminAuth != nil {
				admin.Use(cfg.AdminAuth.Middleware())
			}
			admin.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
				writeStats(w, cfg)
			})
			if cfg.Observability != nil {
				admin.Handle("/metrics", cfg.Observability.MetricsHandler())
			}
		})
	})
}

// writeHealth reports each configured dependency's status. All probes
// passing is healthy (200). A failing probe with a usable policy cache is
// degraded (503); with no cache to fall back to, unhealthy (503).
func writeHealth(w http.ResponseWriter, cfg AdminConfig) {
	deps := make(map[string]string, len(cfg.Probes))
	failures := 0
	for _, probe := range cfg.Probes {
		if err := probe.Check(); err != nil {
			deps[probe.Name] = "unavailable: " + err.Error()
			failures++
			continue
		}
		deps[probe.Name] = "ok"
	}

	resp := healthResponse{Status: "healthy", Dependencies: deps}
	code := http.StatusOK
	if failures > 0 {
		code = http.StatusServiceUnavailable
		if cfg.Cache != nil {
			resp.Status = "degraded"
		} else {
			resp.Status = "unhealthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeStats(w http.ResponseWriter, cfg AdminConfig) {
	resp := statsResponse{GeneratedAt: time.Now().UTC()}
	if cfg.Gateway != nil {
		resp.Requests = cfg.Gateway.Stats()
	}
	if cfg.Registry != nil {
		resp.PrincipalCount = len(cfg.Registry.ListAll())
	}
	if cfg.Charges != nil {
		resp.ExpiredUnreleasedCharges = cfg.Charges.ExpiredUnreleasedCount("")
	}
	if cfg.Cache != nil {
		stats := cfg.Cache.Stats()
		resp.Cache = cacheStats{
			Hits:           stats.Hits,
			Misses:         stats.Misses,
			Evictions:      stats.Evictions,
			Size:           stats.Size,
			HitRate:        stats.HitRate(),
			OldestEntryAge: stats.OldestEntryAge.String(),
		}
	}
	if cfg.Replay != nil {
		replayStats := cfg.Replay.Stats()
		resp.ReplayDefense = &replayStats
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
