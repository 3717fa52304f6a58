package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/interop"
)

// EntryResult is the outcome of one batch entry.
type EntryResult struct {
	Index     int    `json:"index"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	Outcome   string `json:"outcome"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Location  string `json:"location,omitempty"`
}

// BatchResult is the artifact recorded for a batch transaction.
type BatchResult struct {
	Mode      string        `json:"mode"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Entries   []EntryResult `json:"entries"`
}

const outcomeSuccess = "success"

// severity orders failure kinds so the worst entry decides the batch.
func severity(err error) int {
	if err == nil {
		return 0
	}
	switch interop.KindOf(err) {
	case interop.KindTransient, interop.KindUnavailable:
		return 1
	case interop.KindTimeout:
		return 2
	case interop.KindAuth:
		return 3
	case interop.KindCancelled:
		return 4
	default:
		return 5
	}
}

// Worst returns whichever of a and b is more severe; ties keep a.
func Worst(a, b error) error {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

func entryResult(i int, method, url string, status int, location string, err error) EntryResult {
	er := EntryResult{Index: i, Method: method, URL: url, Status: status, Location: location, Outcome: outcomeSuccess}
	if err != nil {
		er.Outcome = string(interop.KindOf(err))
		er.ErrorCode = interop.CodeOf(err)
		er.Message = err.Error()
	}
	return er
}

// fanOut sends each entry as its own request, bounded by the adapter's
// concurrency. Entry failures never abort siblings. Entries a previous
// attempt of the same transaction settled are reported again without being
// resent.
func (a *Adapter) fanOut(ctx context.Context, transactionID string, b *Bundle, cred *credential.Credential, base string, target *adapter.Target) (*adapter.RawResponse, error) {
	results := make([]EntryResult, len(b.Entry))
	errs := make([]error, len(b.Entry))
	settled := a.settledEntries(transactionID)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	var mu sync.Mutex
	for i, entry := range b.Entry {
		if er, ok := settled[i]; ok {
			results[i] = er
			continue
		}
		i, entry := i, entry
		g.Go(func() error {
			method := strings.ToUpper(entry.Request.Method)
			ex := adapter.HTTPExchange{
				Method:      method,
				URL:         adapter.JoinURL(base, entry.Request.URL),
				ContentType: ContentType,
				Accept:      ContentType,
			}
			if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
				ex.Body = entry.Resource
			}
			raw, err := a.http.Do(gctx, cred, ex)
			status, location := 0, ""
			if err == nil {
				status, location = raw.StatusCode, raw.Header.Get("Location")
				if ie := interop.ClassifyHTTP(raw.StatusCode, adapter.Snippet(raw.Body, 256)); ie != nil {
					err = ie
				} else if oo := decodeOutcome(raw.Body); oo != nil && oo.HasErrors() {
					err = interop.Permanent("OPERATION_OUTCOME_ERROR", "%s", oo.Summary()).WithStatus(status)
				}
			}
			mu.Lock()
			results[i] = entryResult(i, method, entry.Request.URL, status, location, err)
			errs[i] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	raw := &adapter.RawResponse{Method: http.MethodPost, URL: base, StatusCode: http.StatusOK, Elapsed: time.Since(start)}
	a.observe(ctx, target, raw, nil)

	var worst error
	for _, err := range errs {
		worst = Worst(worst, err)
	}
	if k := interop.KindOf(worst); worst != nil && (interop.Retryable(k) || k == interop.KindTimeout) {
		a.settle(transactionID, results)
	} else {
		a.Finalize(transactionID)
	}
	raw.Err = worst
	raw.Artifact = batchArtifact("fan_out", results)
	return raw, nil
}

func (a *Adapter) settledEntries(transactionID string) map[int]EntryResult {
	if transactionID == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled[transactionID]
}

// settle remembers the successful entries of a batch that will be retried.
func (a *Adapter) settle(transactionID string, results []EntryResult) {
	if transactionID == "" {
		return
	}
	done := make(map[int]EntryResult)
	for _, er := range results {
		if er.Outcome == outcomeSuccess {
			done[er.Index] = er
		}
	}
	a.mu.Lock()
	a.settled[transactionID] = done
	a.mu.Unlock()
}

// Finalize forgets the settled batch entries of a finished transaction.
func (a *Adapter) Finalize(transactionID string) {
	a.mu.Lock()
	delete(a.settled, transactionID)
	a.mu.Unlock()
}

func batchArtifact(mode string, entries []EntryResult) *interop.Artifact {
	br := BatchResult{Mode: mode, Entries: entries}
	for _, e := range entries {
		if e.Outcome == outcomeSuccess {
			br.Succeeded++
		} else {
			br.Failed++
		}
	}
	art, err := interop.NewArtifact("fhir_batch", br)
	if err != nil {
		return nil
	}
	return art
}

func batchResult(raw *adapter.RawResponse) interop.Result {
	res := interop.Result{
		RequestURL:    raw.URL,
		RequestMethod: raw.Method,
		ResponseCode:  raw.StatusCode,
		Artifact:      raw.Artifact,
		Err:           raw.Err,
	}
	var br BatchResult
	if raw.Artifact != nil {
		_ = json.Unmarshal(raw.Artifact.Data, &br)
	}
	if raw.Err != nil {
		res.ResponseMessage = raw.Err.Error()
	} else {
		res.ResponseMessage = "batch completed"
	}
	if br.Failed > 0 {
		res.ResponseMessage = strings.TrimSpace(res.ResponseMessage + " (" + strconv.Itoa(br.Failed) + " of " + strconv.Itoa(len(br.Entries)) + " entries failed)")
	}
	return res
}

// parseBatchResponse maps a partner's batch-response Bundle to entry results.
func parseBatchResponse(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	res := adapter.HTTPResult(raw)
	if res.Err != nil {
		return res
	}
	sent, _ := decodeBatch(req.Payload)
	var resp Bundle
	if err := json.Unmarshal(raw.Body, &resp); err != nil || resp.ResourceType != "Bundle" {
		res.Err = interop.Permanent("INVALID_BATCH_RESPONSE", "partner did not return a Bundle").WithStatus(raw.StatusCode)
		return res
	}
	if sent != nil && len(resp.Entry) != len(sent.Entry) {
		res.Err = interop.Permanent("BATCH_RESPONSE_MISMATCH", "batch-response has %d entries for %d requests", len(resp.Entry), len(sent.Entry)).WithStatus(raw.StatusCode)
		return res
	}

	entries := make([]EntryResult, len(resp.Entry))
	var worst error
	for i, e := range resp.Entry {
		method, url := "", ""
		if sent != nil && sent.Entry[i].Request != nil {
			method, url = strings.ToUpper(sent.Entry[i].Request.Method), sent.Entry[i].Request.URL
		}
		if e.Response == nil {
			err := interop.Permanent("MISSING_ENTRY_RESPONSE", "entry %d has no response", i)
			entries[i] = entryResult(i, method, url, 0, "", err)
			worst = Worst(worst, err)
			continue
		}
		status := e.Response.StatusCode()
		var err error
		if status == 0 {
			err = interop.Permanent("INVALID_ENTRY_STATUS", "entry %d status %q", i, e.Response.Status)
		} else if ie := interop.ClassifyHTTP(status, e.Response.Status); ie != nil {
			err = ie
		}
		if err == nil {
			if oo := decodeOutcome(e.Response.Outcome); oo != nil && oo.HasErrors() {
				err = interop.Permanent("OPERATION_OUTCOME_ERROR", "%s", oo.Summary()).WithStatus(status)
			}
		}
		entries[i] = entryResult(i, method, url, status, e.Response.Location, err)
		worst = Worst(worst, err)
	}

	batch := &adapter.RawResponse{
		Method: raw.Method, URL: raw.URL, StatusCode: raw.StatusCode,
		Artifact: batchArtifact("native", entries), Err: worst,
	}
	return batchResult(batch)
}
