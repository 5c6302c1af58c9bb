package server

import (
	"sort"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

// Request payloads

type EmitSignalRequest struct {
	Type    string         `json:"type" minLength:"1" example:"decision"`
	Payload map[string]any `json:"payload,omitempty"`
}

type DecideRequest struct {
	Context string             `json:"context" minLength:"1" example:"loan"`
	Scores  map[string]float64 `json:"scores"`
}

type FeedbackRequest struct {
	Outcome string `json:"outcome" enum:"correct,incorrect"`
}

type EnqueueTaskRequest struct {
	Kind        string         `json:"kind" minLength:"1" example:"decision.evaluate"`
	Payload     map[string]any `json:"payload,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty" minimum:"0"`
}

type SetConfigRequest struct {
	Value string `json:"value"`
}

type AdjustWeightRequest struct {
	Delta float64 `json:"delta"`
}

type SetWeightRequest struct {
	Value float64 `json:"value" minimum:"0"`
}

// Response payloads

type CreatedResponse struct {
	ID string `json:"id"`
}

type SignalListResponse struct {
	Items []domain.Signal `json:"items"`
}

type WeightsResponse struct {
	Context string          `json:"context"`
	Weights []domain.Weight `json:"weights"`
}

type FeedbackResponse struct {
	HistoryID string          `json:"history_id"`
	Outcome   string          `json:"outcome"`
	Weights   []domain.Weight `json:"weights"`
}

type ConfigListResponse struct {
	Items []domain.ConfigEntry `json:"items"`
}

type HistoryListResponse struct {
	Items []domain.HistoryRecord `json:"items"`
}

type NotificationListResponse struct {
	Recipient string                `json:"recipient"`
	Items     []domain.Notification `json:"items"`
}

func weightList(m map[string]domain.Weight, contextKey string) WeightsResponse {
	out := WeightsResponse{Context: contextKey, Weights: make([]domain.Weight, 0, len(m))}
	for _, w := range m {
		out.Weights = append(out.Weights, w)
	}
	sort.Slice(out.Weights, func(i, j int) bool { return out.Weights[i].CriterionKey < out.Weights[j].CriterionKey })
	return out
}
