package recording

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/call"
	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/storage"
)

// ObjectStore is the slice of the blob store the resolver needs. The
// indirection keeps the resolver testable without an S3 endpoint.
type ObjectStore interface {
	Bucket() string
	CandidateBuckets() []string
	PresignGet(ctx context.Context, bucket, key string) (string, error)
	FindKeyContaining(ctx context.Context, bucket, prefix, substr string) (string, error)
}

// epochInSID matches the unix timestamp embedded in upload-derived sids
// and recording keys.
var epochInSID = regexp.MustCompile(`(\d{10})`)

// Resolver locates a playable recording URL for a call. Recordings land
// in storage through several paths and records written before the blob
// store existed carry vendor URLs, so resolution is layered: the stored
// URI first, then a key derived from the sid, then a bounded bucket
// scan. Every candidate is probed before it is handed out.
type Resolver struct {
	store      ObjectStore
	httpClient *http.Client
	location   *time.Location
	logger     *logrus.Logger
	now        func() time.Time
}

// NewResolver creates a resolver. location controls which calendar day
// the derived-key and scan strategies look at.
func NewResolver(store ObjectStore, location *time.Location, logger *logrus.Logger) *Resolver {
	if location == nil {
		location = time.UTC
	}
	return &Resolver{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		location:   location,
		logger:     logger,
		now:        time.Now,
	}
}

// Resolve returns a playable URL for the call's recording, trying each
// strategy in order and stopping at the first candidate that answers a
// ranged probe. Returns errors.ErrRecordingNotFound when every strategy
// comes up empty.
func (r *Resolver) Resolve(ctx context.Context, c *call.Call) (string, error) {
	if r.store == nil {
		return "", errors.Wrap(errors.ErrUnavailable, "recording storage is not configured")
	}

	if url, ok := r.fromStoredURL(ctx, c); ok {
		metrics.RecordRecordingResolution("stored_url", "ok")
		return url, nil
	}
	metrics.RecordRecordingResolution("stored_url", "miss")

	if url, ok := r.fromDerivedKey(ctx, c); ok {
		metrics.RecordRecordingResolution("derived_key", "ok")
		return url, nil
	}
	metrics.RecordRecordingResolution("derived_key", "miss")

	if url, ok := r.fromScan(ctx, c); ok {
		metrics.RecordRecordingResolution("scan", "ok")
		return url, nil
	}
	metrics.RecordRecordingResolution("scan", "miss")

	return "", errors.Wrap(errors.ErrRecordingNotFound, "no recording found for call").
		WithField("call_sid", c.CallSID)
}

// fromStoredURL presigns the record's own recording URI. s3:// URIs are
// split into bucket and key; plain https URLs are probed as-is.
func (r *Resolver) fromStoredURL(ctx context.Context, c *call.Call) (string, bool) {
	stored := strings.TrimSpace(c.RecordingURL)
	if stored == "" {
		return "", false
	}

	if bucket, key, ok := splitObjectURI(stored); ok {
		return r.presignAndProbe(ctx, bucket, key)
	}

	if strings.HasPrefix(stored, "http://") || strings.HasPrefix(stored, "https://") {
		if r.probe(ctx, stored) {
			return stored, true
		}
	}
	return "", false
}

// fromDerivedKey rebuilds the deterministic upload key from the epoch
// embedded in the call sid.
func (r *Resolver) fromDerivedKey(ctx context.Context, c *call.Call) (string, bool) {
	match := epochInSID.FindStringSubmatch(c.CallSID)
	if match == nil {
		return "", false
	}
	epoch, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return "", false
	}

	key := storage.RecordingKey(c.CallSID, time.Unix(epoch, 0).In(r.location))
	for _, bucket := range r.store.CandidateBuckets() {
		if url, ok := r.presignAndProbe(ctx, bucket, key); ok {
			return url, true
		}
	}
	return "", false
}

// fromScan lists the call-day and previous-day prefixes of every
// candidate bucket for a key containing the sid. Midnight rollover
// between call end and webhook upload puts the object in either day.
func (r *Resolver) fromScan(ctx context.Context, c *call.Call) (string, bool) {
	day := r.now().In(r.location)
	if !c.StartedAt.IsZero() {
		day = c.StartedAt.In(r.location)
	}
	prefixes := []string{
		storage.DatePrefix(day),
		storage.DatePrefix(day.AddDate(0, 0, -1)),
	}

	for _, bucket := range r.store.CandidateBuckets() {
		for _, prefix := range prefixes {
			key, err := r.store.FindKeyContaining(ctx, bucket, prefix, c.CallSID)
			if err != nil {
				if !errors.IsErrorType(err, errors.ErrRecordingNotFound) {
					r.logger.WithError(err).WithFields(logrus.Fields{
						"bucket": bucket,
						"prefix": prefix,
					}).Warn("Recording scan failed")
				}
				continue
			}
			if url, ok := r.presignAndProbe(ctx, bucket, key); ok {
				return url, true
			}
		}
	}
	return "", false
}

func (r *Resolver) presignAndProbe(ctx context.Context, bucket, key string) (string, bool) {
	url, err := r.store.PresignGet(ctx, bucket, key)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Warn("Presign failed")
		return "", false
	}
	if !r.probe(ctx, url) {
		return "", false
	}
	return url, true
}

// probe fetches the first byte of the candidate. Presigning succeeds
// even for absent objects, so only a ranged GET proves the recording
// exists.
func (r *Resolver) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent
}

// splitObjectURI splits "s3://bucket/key/parts" into bucket and key.
func splitObjectURI(uri string) (string, string, bool) {
	trimmed, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
