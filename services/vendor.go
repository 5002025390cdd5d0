package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pdfxml/models"
)

const (
	apiKeyHeader       = "X-API-Key"
	fieldFile          = "file"
	fieldExchangeRate  = "taux_douane"
	fieldPaymentReport = "rapport_paiement"
	defaultResultType  = "application/xml"
	maxErrorBodyBytes  = 1 << 20
	maxResultBodyBytes = 64 << 20
)

// ErrResultTooLarge is returned instead of a truncated result.
var ErrResultTooLarge = errors.New("conversion result too large")

// VendorSubmission is a conversion request as sent to the API. ReportValue
// is the configured vendor value, never the user facing label.
type VendorSubmission struct {
	FileName     string
	Data         []byte
	ExchangeRate float64
	ReportValue  string
}

// VendorClient talks to the asynchronous PDF to XML conversion API.
type VendorClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	maxResult int
}

func NewVendorClient(baseURL, apiKey string, timeout time.Duration) *VendorClient {
	return &VendorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		maxResult: maxResultBodyBytes,
	}
}

// Submit uploads a PDF and returns the accepted job.
func (v *VendorClient) Submit(ctx context.Context, sub VendorSubmission) (*models.SubmitResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(fieldFile, sub.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(sub.Data); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}

	if err := writer.WriteField(fieldExchangeRate, strconv.FormatFloat(sub.ExchangeRate, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("failed to write exchange rate: %w", err)
	}
	if err := writer.WriteField(fieldPaymentReport, sub.ReportValue); err != nil {
		return nil, fmt.Errorf("failed to write payment report: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := v.newRequest(ctx, http.MethodPost, "/convert/async", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out models.SubmitResponse
	if err := v.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the current state of a job.
func (v *VendorClient) Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error) {
	req, err := v.newRequest(ctx, http.MethodGet, "/convert/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	var out models.JobStatusResponse
	if err := v.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result downloads the XML produced by a completed job.
func (v *VendorClient) Result(ctx context.Context, jobID string) (*models.JobResult, error) {
	req, err := v.newRequest(ctx, http.MethodGet, "/convert/"+url.PathEscape(jobID)+"/download", nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(v.maxResult)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", classify(err))
	}
	if len(data) > v.maxResult {
		return nil, fmt.Errorf("result of job %s exceeds %d bytes: %w", jobID, v.maxResult, ErrResultTooLarge)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultResultType
	}

	disposition := resp.Header.Get("Content-Disposition")
	return &models.JobResult{
		Data:        data,
		ContentType: contentType,
		Disposition: disposition,
		Filename:    dispositionFilename(disposition),
	}, nil
}

func (v *VendorClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, v.apiKey)
	return req, nil
}

// do sends the request and turns non-2xx responses into *models.APIError.
func (v *VendorClient) do(req *http.Request) (*http.Response, error) {
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversion API request failed: %w", classify(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, models.NewAPIError(resp.StatusCode, bodyBytes)
	}

	return resp, nil
}

func (v *VendorClient) doJSON(req *http.Request, out any) error {
	resp, err := v.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", classify(err))
	}
	return nil
}

// classify maps client deadline errors onto models.ErrRequestTimeout while
// keeping the original error in the chain.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", models.ErrRequestTimeout, err)
	}
	return err
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
