package conversion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfxml/models"
)

// fakeClient scripts the conversion API per file name. Job ids are
// "<file name>#<submission number>".
type fakeClient struct {
	mu sync.Mutex

	// submit decides the outcome of the n-th submission of a file.
	submit func(name string, n int) (*models.SubmitResponse, error)
	// status decides the n-th poll of a job.
	status func(jobID string, n int) (*models.JobStatusResponse, error)
	result func(jobID string) (*models.JobResult, error)

	submits  map[string]int
	polls    map[string]int
	order    []string
	requests []models.ConversionRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		submits: map[string]int{},
		polls:   map[string]int{},
	}
}

func (c *fakeClient) Submit(ctx context.Context, req models.ConversionRequest) (*models.SubmitResponse, error) {
	c.mu.Lock()
	c.submits[req.FileName]++
	n := c.submits[req.FileName]
	c.order = append(c.order, req.FileName)
	c.requests = append(c.requests, req)
	fn := c.submit
	c.mu.Unlock()

	if fn != nil {
		return fn(req.FileName, n)
	}
	return &models.SubmitResponse{JobID: fmt.Sprintf("%s#%d", req.FileName, n), Status: models.JobPending}, nil
}

func (c *fakeClient) Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error) {
	c.mu.Lock()
	c.polls[jobID]++
	n := c.polls[jobID]
	fn := c.status
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(jobID, n)
	}
	return &models.JobStatusResponse{JobID: jobID, Status: models.JobCompleted}, nil
}

func (c *fakeClient) Result(ctx context.Context, jobID string) (*models.JobResult, error) {
	c.mu.Lock()
	fn := c.result
	c.mu.Unlock()

	if fn != nil {
		return fn(jobID)
	}
	return &models.JobResult{Data: []byte("<xml job=\"" + jobID + "\"/>"), ContentType: "application/xml"}, nil
}

func (c *fakeClient) submitCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits[name]
}

func (c *fakeClient) totalSubmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *fakeClient) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.polls {
		total += n
	}
	return total
}

func pending(jobID string) *models.SubmitResponse {
	return &models.SubmitResponse{JobID: jobID, Status: models.JobPending}
}

func jobStatus(jobID string, status models.JobStatus) *models.JobStatusResponse {
	return &models.JobStatusResponse{JobID: jobID, Status: status}
}

// recorder is an Observer that checks the single-processing invariant on
// every published change.
type recorder struct {
	t    *testing.T
	o    *Orchestrator
	mu   sync.Mutex
	seen []Record
}

func (r *recorder) RecordChanged(ctx context.Context, rec Record) {
	r.mu.Lock()
	r.seen = append(r.seen, rec)
	r.mu.Unlock()

	if r.o == nil {
		return
	}
	processing := 0
	for _, other := range r.o.Snapshot().Records {
		if other.Status == StatusProcessing {
			processing++
		}
	}
	assert.LessOrEqual(r.t, processing, 1, "more than one file processing")
}

func (r *recorder) records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.seen...)
}

func testOptions() Options {
	return Options{
		PollInterval: time.Millisecond,
		MaxPolls:     60,
		MaxAttempts:  2,
		RetryDelay:   time.Millisecond,
		Now:          func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func newTestOrchestrator(t *testing.T, client Client) (*Orchestrator, *recorder) {
	t.Helper()
	rec := &recorder{t: t}
	opts := testOptions()
	opts.Observer = rec
	o := New(client, opts)
	rec.o = o
	return o, rec
}

func pdf(id, name string) File {
	return File{
		ID: id,
		ConversionRequest: models.ConversionRequest{
			FileName:     name,
			Data:         []byte("%PDF-1.7 " + name),
			ExchangeRate: 655.957,
			Report:       models.ReportKarta,
		},
	}
}

func TestSubmit_InvalidParametersNeverReachClient(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	o, _ := newTestOrchestrator(t, client)

	noRate := pdf("a", "a.pdf")
	noRate.ExchangeRate = 0
	negative := pdf("b", "b.pdf")
	negative.ExchangeRate = -3
	noReport := pdf("c", "c.pdf")
	noReport.Report = ""

	o.Submit(context.Background(), []File{noRate, negative, noReport})

	assert.Equal(t, 0, client.totalSubmits())

	snap := o.Snapshot()
	assert.False(t, snap.Converting)
	assert.Equal(t, 3, snap.Failed)
	assert.Equal(t, 0, snap.Succeeded)

	for _, id := range []string{"a", "b"} {
		rec, ok := o.GetStatus(id)
		require.True(t, ok)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "exchange rate missing or invalid", rec.Error)
		assert.Equal(t, 0, rec.Attempts)
	}
	rec, _ := o.GetStatus("c")
	assert.Contains(t, rec.Error, "payment report missing")
}

func TestSubmit_Success(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		if n < 3 {
			p := float64(n * 25)
			return &models.JobStatusResponse{JobID: jobID, Status: models.JobProcessing, Progress: &p}, nil
		}
		return jobStatus(jobID, models.JobCompleted), nil
	}
	o, obs := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "Invoice 42.PDF")})

	rec, ok := o.GetStatus("f1")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "Invoice 42.PDF#1", rec.JobID)
	assert.Equal(t, "Invoice 42.xml", rec.OutputName)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.Error)

	snap := o.Snapshot()
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 0, snap.Failed)
	assert.False(t, snap.Converting)

	var progress []int
	for _, r := range obs.records() {
		progress = append(progress, r.Progress)
	}
	// 10 sending, 30 accepted, 25% -> 48, 50% -> 65, then done
	assert.Equal(t, []int{10, 30, 48, 65, 100}, progress)
}

func TestSubmit_RetriesAfterRemoteFailure(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		if strings.HasSuffix(jobID, "#1") {
			st := jobStatus(jobID, models.JobFailed)
			st.Error = "unreadable page 3"
			return st, nil
		}
		return jobStatus(jobID, models.JobCompleted), nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "a.pdf#2", rec.JobID, "retry overwrites the job id")
	assert.Equal(t, 2, client.submitCount("a.pdf"))
	assert.Equal(t, 1, o.Snapshot().Succeeded)
}

func TestSubmit_RemoteFailureExhaustsBudget(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		st := jobStatus(jobID, models.JobFailed)
		st.Error = "unreadable page 3"
		return st, nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "unreadable page 3 (2 attempts)", rec.Error)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, o.Snapshot().Failed)
}

func TestSubmit_PollingTimeout(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		return jobStatus(jobID, models.JobProcessing), nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "slow.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "conversion took too long (timeout) (2 attempts)", rec.Error)
	assert.Equal(t, 2, client.submitCount("slow.pdf"))
	assert.Equal(t, 120, client.pollCount())
}

func TestSubmit_CompletedOnLastPollSucceeds(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		if n == 60 {
			return jobStatus(jobID, models.JobCompleted), nil
		}
		return jobStatus(jobID, models.JobProcessing), nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestSubmit_CancelledJob(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		return jobStatus(jobID, models.JobCancelled), nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, "conversion was cancelled (2 attempts)", rec.Error)
}

func TestSubmit_RejectedSubmission(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.submit = func(name string, n int) (*models.SubmitResponse, error) {
		return nil, models.NewAPIError(http.StatusUnprocessableEntity,
			[]byte(`{"detail":[{"msg":"taux_douane must be positive","type":"value_error"}]}`))
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "taux_douane must be positive (2 attempts)", rec.Error)
	assert.Empty(t, rec.JobID)
}

func TestSubmit_UnknownErrorIsGeneric(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		return nil, fmt.Errorf("connection reset by peer")
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, "an unknown error occurred (2 attempts)", rec.Error)
}

func TestSubmit_RequestTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.submit = func(name string, n int) (*models.SubmitResponse, error) {
		if n == 1 {
			return nil, fmt.Errorf("conversion API request failed: %w", models.ErrRequestTimeout)
		}
		return pending(fmt.Sprintf("%s#%d", name, n)), nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), []File{pdf("f1", "a.pdf")})

	rec, _ := o.GetStatus("f1")
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestSubmit_SequentialInInputOrder(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		if n < 3 {
			return jobStatus(jobID, models.JobProcessing), nil
		}
		return jobStatus(jobID, models.JobCompleted), nil
	}
	o, obs := newTestOrchestrator(t, client)

	files := []File{pdf("1", "one.pdf"), pdf("2", "two.pdf"), pdf("3", "three.pdf")}
	o.Submit(context.Background(), files)

	assert.Equal(t, []string{"one.pdf", "two.pdf", "three.pdf"}, client.order)
	assert.NotEmpty(t, obs.records())

	snap := o.Snapshot()
	assert.Equal(t, 3, snap.Succeeded)
	var ids []string
	for _, rec := range snap.Ordered() {
		ids = append(ids, rec.FileID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestSubmit_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	o, _ := newTestOrchestrator(t, client)

	o.Submit(context.Background(), nil)

	snap := o.Snapshot()
	assert.Empty(t, snap.Records)
	assert.False(t, snap.Converting)
}

func TestRetry_MergesIntoExistingState(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	failB := true
	var mu sync.Mutex
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if strings.HasPrefix(jobID, "b.pdf") && failB {
			return jobStatus(jobID, models.JobFailed), nil
		}
		return jobStatus(jobID, models.JobCompleted), nil
	}
	o, _ := newTestOrchestrator(t, client)

	a, b := pdf("a", "a.pdf"), pdf("b", "b.pdf")
	o.Submit(context.Background(), []File{a, b})

	snap := o.Snapshot()
	require.Equal(t, 1, snap.Succeeded)
	require.Equal(t, 1, snap.Failed)
	before, _ := o.GetStatus("a")

	mu.Lock()
	failB = false
	mu.Unlock()

	o.Retry(context.Background(), []File{a, b})

	assert.Equal(t, 1, client.submitCount("a.pdf"), "succeeded files are not retried")
	assert.Equal(t, 3, client.submitCount("b.pdf"))

	after, _ := o.GetStatus("a")
	assert.Equal(t, before, after)

	rb, _ := o.GetStatus("b")
	assert.Equal(t, StatusSucceeded, rb.Status)
	assert.Equal(t, 1, rb.Attempts)
	assert.Equal(t, "b.pdf#3", rb.JobID)

	snap = o.Snapshot()
	assert.Equal(t, 2, snap.Succeeded)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, []string{"a", "b"}, snap.Order)
}

// derivedCounts fails the test whenever a published change leaves the
// counts out of step with the records.
type derivedCounts struct {
	t *testing.T
	o *Orchestrator
}

func (d *derivedCounts) RecordChanged(ctx context.Context, rec Record) {
	snap := d.o.Snapshot()
	succeeded, failed := 0, 0
	for _, r := range snap.Records {
		switch r.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	assert.Equal(d.t, succeeded, snap.Succeeded, "succeeded count after %s became %s", rec.FileID, rec.Status)
	assert.Equal(d.t, failed, snap.Failed, "failed count after %s became %s", rec.FileID, rec.Status)
}

func TestRetry_CountsFollowRecordsWhileRunning(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		if strings.HasPrefix(jobID, "b.pdf") {
			return jobStatus(jobID, models.JobFailed), nil
		}
		return jobStatus(jobID, models.JobCompleted), nil
	}
	opts := testOptions()
	obs := &derivedCounts{t: t}
	opts.Observer = obs
	o := New(client, opts)
	obs.o = o

	a, b := pdf("a", "a.pdf"), pdf("b", "b.pdf")
	o.Submit(context.Background(), []File{a, b})
	o.Retry(context.Background(), []File{a, b})

	snap := o.Snapshot()
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)
}

func TestRetry_LeavesDownloadFailuresToRetryDownload(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	o, _ := newTestOrchestrator(t, client)

	a := pdf("a", "a.pdf")
	o.Submit(context.Background(), []File{a})
	require.Equal(t, 1, client.totalSubmits())

	client.result = func(jobID string) (*models.JobResult, error) {
		return nil, models.NewAPIError(http.StatusBadGateway, nil)
	}
	require.Error(t, o.DownloadOne(context.Background(), "a", SaverFunc(func(context.Context, string, string, []byte) error {
		return nil
	})))
	before, _ := o.GetStatus("a")
	require.True(t, before.DownloadFailed)

	o.Retry(context.Background(), []File{a})

	assert.Equal(t, 1, client.totalSubmits(), "completed jobs are not resubmitted")
	after, _ := o.GetStatus("a")
	assert.Equal(t, before, after)
	assert.Equal(t, "a.pdf#1", after.JobID)
}

func TestRetry_RevalidatesParameters(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	o, _ := newTestOrchestrator(t, client)

	f := pdf("a", "a.pdf")
	f.ExchangeRate = 0
	o.Submit(context.Background(), []File{f})
	require.Equal(t, 0, client.totalSubmits())

	f.ExchangeRate = 612.5
	o.Retry(context.Background(), []File{f})

	rec, _ := o.GetStatus("a")
	assert.Equal(t, StatusSucceeded, rec.Status)
	require.Len(t, client.requests, 1)
	assert.Equal(t, 612.5, client.requests[0].ExchangeRate)
}

func TestRetry_IgnoresUnknownFiles(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	o, _ := newTestOrchestrator(t, client)

	o.Retry(context.Background(), []File{pdf("x", "x.pdf")})

	assert.Equal(t, 0, client.totalSubmits())
	assert.Empty(t, o.Snapshot().Records)
}

func TestGetStatus_Idempotent(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, newFakeClient())
	o.Submit(context.Background(), []File{pdf("a", "a.pdf")})

	first, ok1 := o.GetStatus("a")
	second, ok2 := o.GetStatus("a")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, first, second)

	_, ok := o.GetStatus("missing")
	assert.False(t, ok)
}

func TestReset_ClearsEverything(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		if strings.HasPrefix(jobID, "bad") {
			return jobStatus(jobID, models.JobFailed), nil
		}
		return jobStatus(jobID, models.JobCompleted), nil
	}
	o, _ := newTestOrchestrator(t, client)
	o.Submit(context.Background(), []File{pdf("a", "a.pdf"), pdf("b", "bad.pdf")})
	require.Len(t, o.Snapshot().Records, 2)

	o.Reset()

	snap := o.Snapshot()
	assert.Empty(t, snap.Records)
	assert.Empty(t, snap.Order)
	assert.Equal(t, 0, snap.Succeeded)
	assert.Equal(t, 0, snap.Failed)
	assert.False(t, snap.Converting)
	assert.False(t, snap.Downloading)
}

func TestReset_StopsInFlightPolling(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	polled := make(chan struct{}, 1)
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return jobStatus(jobID, models.JobProcessing), nil
	}
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.MaxPolls = 100000
	o := New(client, opts)

	done := make(chan struct{})
	go func() {
		o.Submit(context.Background(), []File{pdf("a", "a.pdf"), pdf("b", "b.pdf")})
		close(done)
	}()

	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("polling never started")
	}

	o.Reset()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit kept running after reset")
	}

	assert.Empty(t, o.Snapshot().Records, "late updates must not resurrect records")
	assert.Equal(t, 0, client.submitCount("b.pdf"))

	polls := client.pollCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, client.pollCount())
}

func TestSubmit_ParentCancellationFailsPendingFiles(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	client.status = func(jobID string, n int) (*models.JobStatusResponse, error) {
		cancel()
		return jobStatus(jobID, models.JobProcessing), nil
	}
	o, _ := newTestOrchestrator(t, client)

	o.Submit(ctx, []File{pdf("a", "a.pdf"), pdf("b", "b.pdf")})

	for _, id := range []string{"a", "b"} {
		rec, _ := o.GetStatus(id)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "conversion cancelled", rec.Error)
	}
	assert.Equal(t, 2, o.Snapshot().Failed)
	assert.Equal(t, 0, client.submitCount("b.pdf"))
}

func TestRemove(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, newFakeClient())
	o.Submit(context.Background(), []File{pdf("a", "a.pdf"), pdf("b", "b.pdf")})

	assert.True(t, o.Remove("a"))
	assert.False(t, o.Remove("a"))

	snap := o.Snapshot()
	assert.Equal(t, []string{"b"}, snap.Order)
	assert.Equal(t, 1, snap.Succeeded)
}

func TestOutputName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invoice.pdf":     "invoice.xml",
		"INVOICE.PDF":     "INVOICE.xml",
		"scan.pdf.pdf":    "scan.pdf.xml",
		"noext":           "noext.xml",
		"":                "output.xml",
		"../../etc/a.pdf": "a.xml",
	}
	for in, want := range cases {
		assert.Equal(t, want, OutputName(in), in)
	}
}

func TestScaleProgress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30, scaleProgress(0))
	assert.Equal(t, 65, scaleProgress(50))
	assert.Equal(t, 100, scaleProgress(100))
	assert.Equal(t, 100, scaleProgress(250))
	assert.Equal(t, 30, scaleProgress(-4))
}
