// Package analytics derives engagement rates from campaign counters.
//
// It is read-only: every call reads the latest committed counters and
// never caches them.
package analytics

import (
	"context"
	"fmt"
	"math"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// DeliveredMode controls which denominator represents "delivered".
type DeliveredMode string

const (
	// DeliveredAuto uses delivered_count once delivered events cover at
	// least every open, and sent_count otherwise. A transport that reports
	// deliveries for only part of the sends would otherwise inflate the
	// open rate past 100%.
	DeliveredAuto DeliveredMode = "auto"
	// DeliveredAlways trusts the transport to report deliveries.
	DeliveredAlways DeliveredMode = "always"
	// DeliveredNever treats sent as the delivery signal.
	DeliveredNever DeliveredMode = "never"
)

// ParseDeliveredMode maps a config value to a mode; unknown values are auto.
func ParseDeliveredMode(s string) DeliveredMode {
	switch DeliveredMode(s) {
	case DeliveredAlways, DeliveredNever:
		return DeliveredMode(s)
	}
	return DeliveredAuto
}

// Rates are percentages rounded to one decimal place.
type Rates struct {
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// Compute derives rates from counters. A zero denominator yields 0 and no
// rate exceeds 100.
func Compute(c domain.Counters, mode DeliveredMode) Rates {
	delivered := c.SentCount
	if tracksDelivered(c, mode) {
		delivered = c.DeliveredCount
	}
	return Rates{
		OpenRate:     percent(c.OpenedCount, delivered),
		ClickRate:    percent(c.ClickedCount, c.OpenedCount),
		DeliveryRate: percent(delivered, c.RecipientCount),
	}
}

func tracksDelivered(c domain.Counters, mode DeliveredMode) bool {
	switch mode {
	case DeliveredAlways:
		return true
	case DeliveredNever:
		return false
	}
	return c.DeliveredCount > 0 && c.DeliveredCount >= c.OpenedCount
}

func percent(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return math.Min(100, math.Round(float64(num)/float64(den)*1000)/10)
}

// Report is the analytics payload for one campaign.
type Report struct {
	CampaignID string                `json:"campaign_id"`
	Name       string                `json:"name"`
	Status     domain.CampaignStatus `json:"status"`
	domain.Counters
	Rates
}

// CampaignReader is the read side of the campaign service.
type CampaignReader interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
}

// Totals exposes repository-wide aggregates.
type Totals interface {
	Totals(ctx context.Context) (campaigns int, sent int, err error)
}

// ContactCounter counts contacts.
type ContactCounter interface {
	Count(ctx context.Context) (int, error)
}

// Service serves campaign analytics and dashboard stats.
type Service struct {
	campaigns CampaignReader
	totals    Totals
	contacts  ContactCounter
	mode      DeliveredMode
}

// NewService creates an analytics service.
func NewService(campaigns CampaignReader, totals Totals, contacts ContactCounter, mode DeliveredMode) *Service {
	return &Service{campaigns: campaigns, totals: totals, contacts: contacts, mode: mode}
}

// Get returns counters and derived rates for one campaign.
func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Report{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     c.Status,
		Counters:   c.Counters,
		Rates:      Compute(c.Counters, s.mode),
	}, nil
}

// CampaignSummary is one row of the dashboard's recent list.
type CampaignSummary struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Status    domain.CampaignStatus `json:"status"`
	SentCount int                   `json:"sent_count"`
	OpenRate  float64               `json:"open_rate"`
}

// DashboardStats summarizes the whole installation.
type DashboardStats struct {
	TotalContacts   int               `json:"total_contacts"`
	TotalCampaigns  int               `json:"total_campaigns"`
	TotalSent       int               `json:"total_sent"`
	RecentCampaigns []CampaignSummary `json:"recent_campaigns"`
}

// Dashboard returns totals plus the five most recent campaigns.
func (s *Service) Dashboard(ctx context.Context) (*DashboardStats, error) {
	contacts, err := s.contacts.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}
	campaigns, sent, err := s.totals.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign totals: %w", err)
	}
	recent, _, err := s.campaigns.List(ctx, campaign.ListFilter{Limit: 5})
	if err != nil {
		return nil, fmt.Errorf("recent campaigns: %w", err)
	}

	out := &DashboardStats{
		TotalContacts:   contacts,
		TotalCampaigns:  campaigns,
		TotalSent:       sent,
		RecentCampaigns: make([]CampaignSummary, 0, len(recent)),
	}
	for _, c := range recent {
		out.RecentCampaigns = append(out.RecentCampaigns, CampaignSummary{
			ID:        c.ID,
			Name:      c.Name,
			Status:    c.Status,
			SentCount: c.SentCount,
			OpenRate:  Compute(c.Counters, s.mode).OpenRate,
		})
	}
	return out, nil
}
