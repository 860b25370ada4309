package main

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// Health reports process liveness plus database and broker reachability.
func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{"status": "ok"}
		code := http.StatusOK

		if err := s.db.PingContext(r.Context()); err != nil {
			log.Error().Err(err).Msg("Health check: database ping failed")
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}

		if s.queue != nil {
			if _, _, _, err := s.queue.Depths(); err != nil {
				log.Error().Err(err).Msg("Health check: queue inspection failed")
				status["status"] = "degraded"
				status["queue"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		s.respondWithJSON(w, code, status)
	}
}

// QueueStatus exposes the delay queue depths for monitoring and debugging.
func (s *server) QueueStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.queue == nil {
			s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "delay queue not initialized"})
			return
		}

		wait, ready, dead, err := s.queue.Depths()
		if err != nil {
			s.respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "running",
			"waiting_jobs": wait,
			"ready_jobs":   ready,
			"dead_jobs":    dead,
			"max_retries":  s.queue.maxRetries,
			"worker_count": s.cfg.WorkerConcurrency,
		})
	}
}
