package services

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/repository"
)

const maxStatsAgents = 200

type StatsEndpoints struct {
	stats  *StatsService
	access agentAccess
	log    *logger.Logger
}

func NewStatsEndpoints(stats *StatsService, repo *repository.GORMRepository, log *logger.Logger) *StatsEndpoints {
	return &StatsEndpoints{
		stats:  stats,
		access: agentAccess{repo: repo},
		log:    log.With("component", "stats_endpoints"),
	}
}

func (e *StatsEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/stats", func(r chi.Router) {
		r.Get("/agents", e.AgentStatsHandler)
		r.Get("/students", e.StudentStatsHandler)
	})
}

// agentIDsParam parses ?ids=a,b,c and checks the caller may see every agent.
func (e *StatsEndpoints) agentIDsParam(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		ids = append(ids, strings.TrimSpace(id))
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return nil, false
	}
	if len(ids) > maxStatsAgents {
		writeError(w, http.StatusBadRequest, "too many ids")
		return nil, false
	}

	p, _ := PrincipalFromContext(r.Context())
	if err := e.access.checkAll(r.Context(), p, ids); err != nil {
		writeServiceError(w, e.log, "Cannot read stats", err)
		return nil, false
	}
	return ids, true
}

func (e *StatsEndpoints) AgentStatsHandler(w http.ResponseWriter, r *http.Request) {
	ids, ok := e.agentIDsParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"average_scores":   e.stats.CalculateAverageScores(r.Context(), ids),
		"passing_rates":    e.stats.CalculatePassingRates(r.Context(), ids),
		"completion_rates": e.stats.CalculateCompletionRates(r.Context(), ids),
	})
}

func (e *StatsEndpoints) StudentStatsHandler(w http.ResponseWriter, r *http.Request) {
	ids, ok := e.agentIDsParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"students": e.stats.GetStudentsForAgents(r.Context(), ids),
	})
}
