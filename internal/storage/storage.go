// Package storage archives the delivery records of finished campaigns.
//
// Each archive is a JSON-lines object of delivery records plus a JSON
// summary, written under campaigns/<id>/. An optional SummaryIndex keeps one
// queryable row per archived campaign.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// ObjectStore writes whole objects by key.
type ObjectStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
}

// SummaryIndex records one summary per archived campaign.
type SummaryIndex interface {
	PutSummary(ctx context.Context, s Summary) error
}

// Summary is the archived header of a campaign run.
type Summary struct {
	PK            string          `json:"-" dynamodbav:"PK"`
	SK            string          `json:"-" dynamodbav:"SK"`
	CampaignID    string          `json:"campaign_id" dynamodbav:"CampaignID"`
	Name          string          `json:"name" dynamodbav:"Name"`
	Status        string          `json:"status" dynamodbav:"Status"`
	FailureReason string          `json:"failure_reason,omitempty" dynamodbav:"FailureReason,omitempty"`
	Cancelled     bool            `json:"cancelled" dynamodbav:"Cancelled"`
	Counters      domain.Counters `json:"counters" dynamodbav:"Counters"`
	Records       int             `json:"records" dynamodbav:"Records"`
	RecordsKey    string          `json:"records_key" dynamodbav:"RecordsKey"`
	StartedAt     *time.Time      `json:"started_at,omitempty" dynamodbav:"StartedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" dynamodbav:"CompletedAt,omitempty"`
	ArchivedAt    time.Time       `json:"archived_at" dynamodbav:"ArchivedAt"`
}

// Storage implements the campaign archiver on top of an ObjectStore.
type Storage struct {
	objects ObjectStore
	index   SummaryIndex
	prefix  string
	now     func() time.Time
}

// New creates an archive. index may be nil.
func New(objects ObjectStore, index SummaryIndex, prefix string) *Storage {
	return &Storage{
		objects: objects,
		index:   index,
		prefix:  prefix,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordsKey is the object key holding a campaign's delivery records.
func (s *Storage) RecordsKey(campaignID string) string {
	return path.Join(s.prefix, "campaigns", campaignID, "deliveries.jsonl")
}

// SummaryKey is the object key holding a campaign's summary.
func (s *Storage) SummaryKey(campaignID string) string {
	return path.Join(s.prefix, "campaigns", campaignID, "summary.json")
}

// Archive writes the records, then the summary. Re-archiving a campaign
// overwrites the previous objects.
func (s *Storage) Archive(ctx context.Context, c *domain.Campaign, records []domain.DeliveryRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encoding delivery record %s: %w", records[i].ID, err)
		}
	}
	recordsKey := s.RecordsKey(c.ID)
	if err := s.objects.PutObject(ctx, recordsKey, "application/x-ndjson", buf.Bytes()); err != nil {
		return fmt.Errorf("writing delivery records: %w", err)
	}

	sum := Summary{
		PK:            "CAMPAIGN#" + c.ID,
		SK:            "SUMMARY",
		CampaignID:    c.ID,
		Name:          c.Name,
		Status:        string(c.Status),
		FailureReason: c.FailureReason,
		Cancelled:     c.Cancelled,
		Counters:      c.Counters,
		Records:       len(records),
		RecordsKey:    recordsKey,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		ArchivedAt:    s.now(),
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := s.objects.PutObject(ctx, s.SummaryKey(c.ID), "application/json", data); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if s.index != nil {
		if err := s.index.PutSummary(ctx, sum); err != nil {
			return fmt.Errorf("indexing summary: %w", err)
		}
	}
	return nil
}
