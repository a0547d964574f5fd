package record

import (
	"fmt"
	"sort"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// Heuristic thresholds for improvement opportunities.
const (
	errorRateThreshold        = 0.10
	slowEventRatioThreshold   = 0.20
	negativeFeedbackThreshold = 0.30
)

const topN = 10

// compute derives a fresh snapshot from the full event log.
// Caller holds m.mu.
func (m *Manager) compute() model.AnalyticsSnapshot {
	snap := model.AnalyticsSnapshot{
		GeneratedAt:   m.now().UTC(),
		TotalSessions: len(m.sessions),
		TotalEvents:   len(m.events),
		EventsByKind:  make(map[model.EventKind]int),
		AgentUsage:    make(map[string]model.AgentStats),
		Opportunities: []string{},
	}

	var durationSumMs float64
	var endedSessions int
	for _, s := range m.sessions {
		if d, ok := s.Duration(); ok {
			durationSumMs += float64(d.Milliseconds())
			endedSessions++
		} else {
			snap.ActiveSessions++
		}
	}
	if endedSessions > 0 {
		snap.AverageSessionDurationMs = durationSumMs / float64(endedSessions)
	}

	var (
		outcomes, successes int
		scoredArtifacts     int
		qualitySum          float64
		feedback, positive  int
		negative            int
		errorEvents         int
		slowEvents          int
		promptCounts        = make(map[string]int)
		errorCounts         = make(map[string]int)
	)

	for _, e := range m.events {
		snap.EventsByKind[e.Kind]++

		if e.AgentID != "" {
			stats := snap.AgentUsage[e.AgentID]
			stats.Events++
			if p, ok := e.Payload.(model.OutcomePayload); ok && p.Result == model.OutcomeSuccess {
				stats.Successes++
			}
			snap.AgentUsage[e.AgentID] = stats
		}

		if d, ok := e.Duration(); ok && d >= m.slowThreshold {
			slowEvents++
		}

		switch p := e.Payload.(type) {
		case model.PromptPayload:
			if p.Content != "" {
				promptCounts[p.Content]++
			}
		case model.ArtifactPayload:
			if p.QualityScore > 0 {
				qualitySum += p.QualityScore
				scoredArtifacts++
			}
		case model.FeedbackPayload:
			feedback++
			switch p.Sentiment {
			case model.SentimentPositive:
				positive++
			case model.SentimentNegative:
				negative++
			}
		case model.OutcomePayload:
			// Partial outcomes are neither a success nor a failure; they
			// count toward neither side of the rate.
			if p.Result != model.OutcomePartial {
				outcomes++
				if p.Result == model.OutcomeSuccess {
					successes++
				}
			}
		case model.ErrorPayload:
			errorEvents++
			if p.Message != "" {
				errorCounts[p.Message]++
			}
		}
	}

	if outcomes > 0 {
		snap.SuccessRate = float64(successes) / float64(outcomes)
	}
	if scoredArtifacts > 0 {
		snap.AverageArtifactQuality = qualitySum / float64(scoredArtifacts)
	}
	if feedback > 0 {
		snap.PositiveFeedbackRatio = float64(positive) / float64(feedback)
	}

	snap.TopPrompts = topPrompts(promptCounts)
	snap.TopErrors = topErrors(errorCounts)

	if total := len(m.events); total > 0 {
		errorRate := float64(errorEvents) / float64(total)
		if errorRate > errorRateThreshold {
			snap.Opportunities = append(snap.Opportunities,
				fmt.Sprintf("error rate %.1f%% exceeds %.0f%%: investigate top errors", errorRate*100, errorRateThreshold*100))
		}
		slowRatio := float64(slowEvents) / float64(total)
		if slowRatio > slowEventRatioThreshold {
			snap.Opportunities = append(snap.Opportunities,
				fmt.Sprintf("%.1f%% of events ran longer than %s: profile slow operations", slowRatio*100, m.slowThreshold))
		}
	}
	if feedback > 0 {
		negativeRatio := float64(negative) / float64(feedback)
		if negativeRatio > negativeFeedbackThreshold {
			snap.Opportunities = append(snap.Opportunities,
				fmt.Sprintf("negative feedback at %.1f%% exceeds %.0f%%: review recent sessions", negativeRatio*100, negativeFeedbackThreshold*100))
		}
	}

	return snap
}

// topPrompts ranks prompt contents by count, ties broken alphabetically for
// deterministic output.
func topPrompts(counts map[string]int) []model.PromptCount {
	ranked := make([]model.PromptCount, 0, len(counts))
	for content, count := range counts {
		ranked = append(ranked, model.PromptCount{Content: content, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Content < ranked[j].Content
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

func topErrors(counts map[string]int) []model.ErrorCount {
	ranked := make([]model.ErrorCount, 0, len(counts))
	for message, count := range counts {
		ranked = append(ranked, model.ErrorCount{Message: message, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Message < ranked[j].Message
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}
