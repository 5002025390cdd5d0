package services

import (
	"context"
	"fmt"

	"pdfxml/config"
	"pdfxml/models"
)

// Gateway is the conversion API as seen by the rest of the service: it maps
// payment report labels onto their configured vendor values so the label
// never leaves the server and the vendor value never reaches the browser.
type Gateway struct {
	vendor  *VendorClient
	reports map[models.ReportLabel]string
}

func NewGateway(vendor *VendorClient, reports map[models.ReportLabel]string) *Gateway {
	return &Gateway{vendor: vendor, reports: reports}
}

func NewGatewayFromConfig(cfg *config.Config) *Gateway {
	return NewGateway(
		NewVendorClient(cfg.APIBaseURL, cfg.APIKey, cfg.APITimeout),
		map[models.ReportLabel]string{
			models.ReportKarta: cfg.PaymentReportKarta,
			models.ReportDjam:  cfg.PaymentReportDjam,
		},
	)
}

// ReportValue resolves the vendor value for a label.
func (g *Gateway) ReportValue(label models.ReportLabel) (string, error) {
	value, ok := g.reports[label]
	if !label.Valid() || !ok || value == "" {
		return "", &models.ValidationError{
			Field:   "payment_report",
			Message: fmt.Sprintf("payment report %q is not configured (KARTA or DJAM required)", label),
		}
	}
	return value, nil
}

func (g *Gateway) Submit(ctx context.Context, req models.ConversionRequest) (*models.SubmitResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	value, err := g.ReportValue(req.Report)
	if err != nil {
		return nil, err
	}
	return g.vendor.Submit(ctx, VendorSubmission{
		FileName:     req.FileName,
		Data:         req.Data,
		ExchangeRate: req.ExchangeRate,
		ReportValue:  value,
	})
}

func (g *Gateway) Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error) {
	return g.vendor.Status(ctx, jobID)
}

func (g *Gateway) Result(ctx context.Context, jobID string) (*models.JobResult, error) {
	return g.vendor.Result(ctx, jobID)
}
