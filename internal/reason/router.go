// Package reason selects a model for each request and drives the reasoning
// call that produces the draft answer.
package reason

import (
	"log/slog"

	"github.com/carebridge/careline/internal/analyze"
	"github.com/carebridge/careline/internal/config"
	"github.com/carebridge/careline/internal/gateway"
	"github.com/carebridge/careline/internal/pipeline"
)

// Complexity classes keyed by the routing table.
const (
	ClassCritical = "critical"
	ClassComplex  = "complex"
	ClassSimple   = "simple"
)

// criticalUrgencyFloor is the urgency at which a request routes critical.
const criticalUrgencyFloor = 8

// complexMeanScoreFloor routes complex when retrieval filled its quota with
// at least this mean similarity.
const complexMeanScoreFloor = 0.6

// complexEntityFloor routes complex at this many extracted entities.
const complexEntityFloor = 3

// HealthChecker reports provider availability for the fallback walk.
// Satisfied by *gateway.Gateway.
type HealthChecker interface {
	Healthy(providerID string) bool
}

var _ HealthChecker = (*gateway.Gateway)(nil)

// Router walks the operator routing table for a complexity class and picks
// the first healthy, eligible provider/model pair.
type Router struct {
	log    *slog.Logger
	cfg    *config.Config
	health HealthChecker
	kFinal int
}

func NewRouter(cfg *config.Config, health HealthChecker, logger *slog.Logger) *Router {
	return &Router{
		log:    logger,
		cfg:    cfg,
		health: health,
		kFinal: cfg.EffectiveKFinal(),
	}
}

// Classify assigns the complexity class for one request.
func (r *Router) Classify(query pipeline.CanonicalQuery, verdict pipeline.SafetyVerdict, retrieval pipeline.RetrievalResult) string {
	if query.Urgency >= criticalUrgencyFloor || verdict.Level == pipeline.SafetyLevelElevated {
		return ClassCritical
	}
	for _, e := range query.Entities {
		if analyze.IsAcuteEntity(e) {
			return ClassCritical
		}
	}

	if len(query.Entities) >= complexEntityFloor {
		return ClassComplex
	}
	if len(retrieval.Citations) >= r.kFinal && meanScore(retrieval.Citations) >= complexMeanScoreFloor {
		return ClassComplex
	}
	return ClassSimple
}

// Candidates walks the class's routing rows in declared order and returns
// every healthy pair that clears the healthcare floor, preserving the
// declared fallback order. With healthcare mode on, rows below the floor
// are skipped rather than selected.
func (r *Router) Candidates(class string) ([]config.Route, error) {
	routes := r.cfg.RoutesForClass(class)
	if len(routes) == 0 {
		// No explicit rows for the class: the default healthcare-tier
		// model is the implicit single-entry table.
		if def, ok := r.cfg.DefaultModelID(); ok {
			pid, mn := config.SplitModelID(def)
			routes = []config.Route{{Class: class, ProviderID: pid, Model: mn}}
		}
	}

	eligible := make([]config.Route, 0, len(routes))
	for _, route := range routes {
		if r.cfg.HealthcareMode && !r.cfg.IsHealthcareTier(route.ProviderID, route.Model) {
			r.log.Warn("routing row below healthcare floor skipped",
				"class", class, "provider", route.ProviderID, "model", route.Model)
			continue
		}
		if r.health != nil && !r.health.Healthy(route.ProviderID) {
			r.log.Warn("provider unhealthy; walking fallback",
				"class", class, "provider", route.ProviderID)
			continue
		}
		eligible = append(eligible, route)
	}
	if len(eligible) == 0 {
		return nil, pipeline.NewError(pipeline.CodeNoModelAvailable,
			"no healthy provider for class "+class)
	}
	return eligible, nil
}

// Pick returns the first eligible pair for the class.
func (r *Router) Pick(class string) (providerID, model string, err error) {
	routes, err := r.Candidates(class)
	if err != nil {
		return "", "", err
	}
	return routes[0].ProviderID, routes[0].Model, nil
}

func meanScore(citations []pipeline.Citation) float64 {
	if len(citations) == 0 {
		return 0
	}
	var sum float64
	for _, c := range citations {
		sum += c.Score
	}
	return sum / float64(len(citations))
}
