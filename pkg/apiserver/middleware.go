package apiserver

import (
	"net/http"
	"strconv"

	"github.com/impalah/apuntador-ctrlplane/pkg/log"
	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request duration/count metrics and logs a structured
// access line per request. Recovery from a handler panic is translated
// into a 500 rather than taking the process down.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic recovered")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		log.Logger.Info().
			Str("method", r.Method).
			Str("path", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request handled")
	})
}
