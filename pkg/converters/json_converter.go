package converters

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// ReportPrefix is the object-store prefix of batch reports.
const ReportPrefix = "reports"

// ReportKey is where the report of batchID is stored.
func ReportKey(batchID string) string {
	return fmt.Sprintf("%s/%s.json", ReportPrefix, batchID)
}

// SummaryConverter turns a batch summary into a downloadable report.
type SummaryConverter interface {
	Convert(summary *models.Summary) (*BatchReport, error)
}

// BatchReport is the JSON document stored per finished batch.
type BatchReport struct {
	BatchID     string                `json:"batchId"`
	Status      string                `json:"status"`
	Items       []ReportItem          `json:"items"`
	Chunks      []models.ChunkTally   `json:"chunks"`
	Stages      []models.StageMetrics `json:"stages"`
	Metadata    ReportMetadata        `json:"metadata"`
	Error       string                `json:"error,omitempty"`
	GeneratedAt time.Time             `json:"generatedAt"`
}

// ReportItem is one recipe slot of the batch.
type ReportItem struct {
	Position int              `json:"position"`
	ID       string           `json:"id"`
	RecordID string           `json:"recordId,omitempty"`
	Name     string           `json:"name"`
	State    models.ItemState `json:"state"`
	ImageURL string           `json:"imageUrl,omitempty"`
	Flags    models.ItemFlags `json:"flags"`
	Stage    string           `json:"stage,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

type ReportMetadata struct {
	TotalItems      int                    `json:"totalItems"`
	Succeeded       int                    `json:"succeeded"`
	Failed          int                    `json:"failed"`
	SuccessRate     float64                `json:"successRate"`
	ImagesGenerated int                    `json:"imagesGenerated"`
	ImagesUploaded  int                    `json:"imagesUploaded"`
	SoftDuplicates  int                    `json:"softDuplicates"`
	StoragePending  int                    `json:"storagePending"`
	Validation      models.ValidationStats `json:"validation"`
	FailuresByStage map[string]int         `json:"failuresByStage"`
	Stages          []string               `json:"stages"`
	ProcessingMs    int64                  `json:"processingMs"`
}

type JSONConverter struct {
	now func() time.Time
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{now: time.Now}
}

func (c *JSONConverter) Convert(summary *models.Summary) (*BatchReport, error) {
	if summary == nil || summary.BatchID == "" {
		return nil, fmt.Errorf("no summary to convert")
	}

	report := &BatchReport{
		BatchID:     summary.BatchID,
		Status:      string(summary.Status),
		Items:       make([]ReportItem, 0, len(summary.ItemsSucceeded)+len(summary.ItemsFailed)),
		Chunks:      summary.Chunks,
		Stages:      summary.Stages,
		Error:       summary.Error,
		GeneratedAt: c.now(),
		Metadata: ReportMetadata{
			TotalItems:      summary.TotalItems,
			Succeeded:       len(summary.ItemsSucceeded),
			Failed:          len(summary.ItemsFailed),
			ImagesGenerated: summary.ImagesGenerated,
			ImagesUploaded:  summary.ImagesUploaded,
			SoftDuplicates:  summary.SoftDuplicates,
			StoragePending:  summary.StoragePending,
			Validation:      summary.Validation,
			FailuresByStage: make(map[string]int),
			ProcessingMs:    summary.TotalTimeMs,
		},
	}

	for _, group := range [][]models.ItemOutcome{summary.ItemsSucceeded, summary.ItemsFailed} {
		for _, o := range group {
			report.Items = append(report.Items, ReportItem{
				Position: len(report.Items) + 1,
				ID:       o.ID,
				RecordID: o.RecordID,
				Name:     o.Name,
				State:    o.State,
				ImageURL: o.ImageURL,
				Flags:    o.Flags,
				Stage:    o.Stage,
				Reason:   o.Reason,
			})
		}
	}
	for _, o := range summary.ItemsFailed {
		report.Metadata.FailuresByStage[o.Stage]++
	}
	for _, s := range summary.Stages {
		report.Metadata.Stages = append(report.Metadata.Stages, s.Stage)
	}
	sort.Strings(report.Metadata.Stages)

	if summary.TotalItems > 0 {
		report.Metadata.SuccessRate = float64(report.Metadata.Succeeded) / float64(summary.TotalItems)
	}
	return report, nil
}

// Encode renders a report as indented JSON.
func Encode(report *BatchReport) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}
