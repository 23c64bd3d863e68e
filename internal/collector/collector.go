// Package collector runs the client side of the protocol: it fans a request
// out to every validator, keeps the verified answers of distinct validators
// until their stake reaches the quorum threshold, and hands them to the
// aggregation engine.
package collector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"dato/internal/aggregation"
	"dato/internal/attestation"
	"dato/internal/certificate"
	"dato/internal/logger"
	"dato/internal/metrics"
	"dato/internal/validatorset"
	"dato/internal/wire"
)

const (
	// DefaultMaxWait bounds one collection from dispatch to quorum.
	DefaultMaxWait = 10 * time.Second

	// DefaultRequestTimeout bounds a single validator exchange.
	DefaultRequestTimeout = 3 * time.Second

	// MaxRangeEntries bounds the entries read from one validator's log.
	MaxRangeEntries = 1 << 20
)

var (
	// ErrQuorumNotReached is matched by every QuorumNotReachedError.
	ErrQuorumNotReached = errors.New("collector: quorum not reached")

	// ErrNoValidators is returned when the current set is empty.
	ErrNoValidators = errors.New("collector: empty validator set")

	// ErrNoResponses is returned when no validator answered a range read.
	ErrNoResponses = errors.New("collector: no validator responded")
)

// QuorumNotReachedError reports the stake gathered before collection ended.
type QuorumNotReachedError struct {
	WeightSoFar uint64 // WeightSoFar is the accepted stake
	TotalStake  uint64 // TotalStake is the stake of the whole set
}

func (e *QuorumNotReachedError) Error() string {
	return fmt.Sprintf("quorum not reached: weight %d of %d", e.WeightSoFar, e.TotalStake)
}

// Unwrap lets errors.Is match ErrQuorumNotReached.
func (e *QuorumNotReachedError) Unwrap() error {
	return ErrQuorumNotReached
}

// Transport sends one request to one validator and returns its response.
type Transport interface {
	Request(ctx context.Context, validator validatorset.Identity, payload []byte) ([]byte, error)
}

// SetSource yields the current validator set snapshot.
type SetSource interface {
	Load() *validatorset.Set
}

// Config configures a Collector.
type Config struct {
	Transport      Transport        // Transport reaches validators
	Validators     SetSource        // Validators supplies the set snapshot per request
	MaxWait        time.Duration    // MaxWait bounds a collection (default DefaultMaxWait)
	RequestTimeout time.Duration    // RequestTimeout bounds one exchange (default DefaultRequestTimeout)
	Metrics        *metrics.Metrics // Metrics may be nil
}

// Collector gathers attestations into certificates.
// It holds no per-request state; concurrent calls are independent.
type Collector struct {
	transport      Transport
	validators     SetSource
	maxWait        time.Duration
	requestTimeout time.Duration
	metrics        *metrics.Metrics
}

// New creates a Collector.
func New(cfg Config) (*Collector, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if cfg.Validators == nil {
		return nil, fmt.Errorf("validator set source is required")
	}

	c := &Collector{
		transport:      cfg.Transport,
		validators:     cfg.Validators,
		maxWait:        cfg.MaxWait,
		requestTimeout: cfg.RequestTimeout,
		metrics:        cfg.Metrics,
	}

	if c.maxWait <= 0 {
		c.maxWait = DefaultMaxWait
	}

	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}

	return c, nil
}

// reply is one validator's raw answer.
type reply struct {
	validator validatorset.Identity // validator is who was asked
	data      []byte                // data is the raw response
	err       error                 // err is the transport failure, if any
}

// fanOut sends payload to every validator in parallel, each exchange under
// its own timeout. The returned channel is buffered for every reply so
// stragglers never block once the caller stops reading.
func (c *Collector) fanOut(ctx context.Context, set *validatorset.Set, payload []byte) <-chan reply {
	replies := make(chan reply, set.Len())

	for _, v := range set.Identities() {
		go func(v validatorset.Identity) {
			reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()

			data, err := c.transport.Request(reqCtx, v, payload)
			replies <- reply{validator: v, data: data, err: err}
		}(v)
	}

	return replies
}

// pending is the state of one in-flight collection.
// It is owned by the goroutine reading replies and is never shared.
type pending struct {
	set       *validatorset.Set
	accepted  map[uint64]bool
	weight    uint64 // weight is the stake of accepted validators
	undecided uint64 // undecided is the stake of validators yet to answer
}

func newPending(set *validatorset.Set) *pending {
	return &pending{
		set:       set,
		accepted:  make(map[uint64]bool, set.Len()),
		undecided: set.TotalStake(),
	}
}

// answered removes a validator's stake from the undecided pool.
func (p *pending) answered(v validatorset.Identity) {
	p.undecided -= v.Stake
}

// accept records a validator's accepted answer. Returns false for a duplicate.
func (p *pending) accept(v validatorset.Identity) bool {
	if p.accepted[v.Index] {
		return false
	}

	p.accepted[v.Index] = true
	p.weight += v.Stake

	return true
}

// reached reports whether the accepted stake is a quorum.
func (p *pending) reached() bool {
	return p.weight >= p.set.Threshold()
}

// hopeless reports whether the quorum can no longer be reached.
func (p *pending) hopeless() bool {
	return p.weight+p.undecided < p.set.Threshold()
}

// failure builds the error for a collection that ended without quorum.
// A cancelled caller context takes precedence over the quorum report; a
// caller deadline that ran out is reported like MaxWait running out.
func (p *pending) failure(parent context.Context) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("collection abandoned (weight %d of %d):\n%w", p.weight, p.set.TotalStake(), err)
	}

	return &QuorumNotReachedError{WeightSoFar: p.weight, TotalStake: p.set.TotalStake()}
}

// snapshot loads a non-empty validator set.
func (c *Collector) snapshot() (*validatorset.Set, error) {
	set := c.validators.Load()
	if set == nil || set.Len() == 0 {
		return nil, ErrNoValidators
	}

	return set, nil
}

// Submit certifies the first-seen time of message. It returns a timestamp
// certificate once validators holding a quorum of stake have returned valid
// attestations, or a *QuorumNotReachedError when MaxWait elapses first or
// the quorum becomes unreachable.
func (c *Collector) Submit(ctx context.Context, message []byte) (*certificate.Certificate, error) {
	hash := attestation.HashMessage(message)
	req := wire.EncodeRequest(&wire.Request{Mode: wire.ModeTimestamp, MsgHash: hash, Message: message})

	return c.collectTimestamps(ctx, certificate.KindTimestamp.String(), hash, req)
}

// Lookup rebuilds the timestamp certificate of an already submitted message
// from the attestations validators have stored. Nothing new is signed and the
// message body is not needed. Validators that never saw hash refuse, so a
// hash unknown to too much stake fails with a *QuorumNotReachedError.
func (c *Collector) Lookup(ctx context.Context, hash attestation.Hash) (*certificate.Certificate, error) {
	req := wire.EncodeRequest(&wire.Request{Mode: wire.ModeLookup, MsgHash: hash})

	return c.collectTimestamps(ctx, "lookup", hash, req)
}

// collectTimestamps fans req out and aggregates the verified timestamp
// attestations for hash into a certificate.
func (c *Collector) collectTimestamps(ctx context.Context, op string, hash attestation.Hash, req []byte) (*certificate.Certificate, error) {
	start := time.Now()

	set, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	collectCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	replies := c.fanOut(collectCtx, set, req)
	p := newPending(set)

	var accepted []*attestation.TimestampAttestation

	for n := 0; n < set.Len() && !p.hopeless(); n++ {
		var r reply

		select {
		case r = <-replies:
		case <-collectCtx.Done():
			c.metrics.Collected(op, false, time.Since(start))
			return nil, p.failure(ctx)
		}

		p.answered(r.validator)

		att, ok := c.checkTimestamp(hash, r)
		if !ok {
			continue
		}

		if !p.accept(r.validator) {
			c.reject("duplicate", r.validator)
			continue
		}

		accepted = append(accepted, att)

		if p.reached() {
			cert, err := aggregation.BuildTimestampCertificate(set, accepted)
			c.metrics.Collected(op, err == nil, time.Since(start))

			if err != nil {
				return nil, fmt.Errorf("build certificate:\n%w", err)
			}

			logger.Debug("timestamp certified",
				"op", op,
				"hash", hash,
				"median", cert.Timestamp,
				"weight", cert.TotalWeight,
				logger.Timed(start),
			)

			return cert, nil
		}
	}

	c.metrics.Collected(op, false, time.Since(start))

	return nil, p.failure(ctx)
}

// CertifyUnavailable certifies that validators holding a quorum of stake had
// not seen hash by deadline. Refusals count as answers, so collection ends
// as soon as the remaining stake cannot reach the threshold.
func (c *Collector) CertifyUnavailable(ctx context.Context, hash attestation.Hash, deadline uint64) (*certificate.Certificate, error) {
	start := time.Now()

	set, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	req := wire.EncodeRequest(&wire.Request{Mode: wire.ModeUnavailability, MsgHash: hash, Deadline: deadline})

	collectCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	replies := c.fanOut(collectCtx, set, req)
	p := newPending(set)

	var accepted []*attestation.UnavailabilityAttestation

	for n := 0; n < set.Len() && !p.hopeless(); n++ {
		var r reply

		select {
		case r = <-replies:
		case <-collectCtx.Done():
			c.metrics.Collected(certificate.KindUnavailability.String(), false, time.Since(start))
			return nil, p.failure(ctx)
		}

		p.answered(r.validator)

		att, ok := c.checkAbsence(hash, deadline, r)
		if !ok {
			continue
		}

		if !p.accept(r.validator) {
			c.reject("duplicate", r.validator)
			continue
		}

		accepted = append(accepted, att)

		if p.reached() {
			cert, err := aggregation.BuildUnavailabilityCertificate(set, accepted)
			c.metrics.Collected(certificate.KindUnavailability.String(), err == nil, time.Since(start))

			if err != nil {
				return nil, fmt.Errorf("build certificate:\n%w", err)
			}

			logger.Debug("unavailability certified",
				"hash", hash,
				"deadline", deadline,
				"weight", cert.TotalWeight,
				logger.Timed(start),
			)

			return cert, nil
		}
	}

	c.metrics.Collected(certificate.KindUnavailability.String(), false, time.Since(start))

	return nil, p.failure(ctx)
}

// ReadRange asks every validator for its signed log over [start, end] and
// merges the verified entries by timestamp. Each log is read page by page
// until the validator reports no more entries. A validator whose log carries
// a single bad entry, or exceeds MaxRangeEntries, is dropped entirely.
func (c *Collector) ReadRange(ctx context.Context, start, end uint64) ([]*attestation.TimestampAttestation, error) {
	if end < start {
		return nil, fmt.Errorf("range end %d before start %d", end, start)
	}

	set, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	collectCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	type result struct {
		entries []*attestation.TimestampAttestation
		ok      bool
	}

	results := make(chan result, set.Len())

	for _, v := range set.Identities() {
		go func() {
			entries, ok := c.readLog(collectCtx, v, start, end)
			results <- result{entries: entries, ok: ok}
		}()
	}

	var (
		merged    []*attestation.TimestampAttestation
		responded int
	)

collect:
	for n := 0; n < set.Len(); n++ {
		select {
		case r := <-results:
			if !r.ok {
				continue
			}

			responded++
			merged = append(merged, r.entries...)

		case <-collectCtx.Done():
			break collect
		}
	}

	if responded == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, ErrNoResponses
	}

	slices.SortStableFunc(merged, compareEntries)

	return merged, nil
}

// readLog pages through one validator's log over [start, end]. It reports
// false when any page fails verification or the log grows past
// MaxRangeEntries.
func (c *Collector) readLog(ctx context.Context, v validatorset.Identity, start, end uint64) ([]*attestation.TimestampAttestation, bool) {
	cursor := wire.Cursor{Timestamp: start}

	var entries []*attestation.TimestampAttestation

	for {
		req := wire.EncodeRequest(&wire.Request{
			Mode:     wire.ModeRange,
			Deadline: cursor.Timestamp,
			MsgHash:  cursor.MsgHash,
			End:      end,
		})

		reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		data, err := c.transport.Request(reqCtx, v, req)
		cancel()

		page, next, ok := c.checkLog(cursor, end, reply{validator: v, data: data, err: err})
		if !ok {
			return nil, false
		}

		entries = append(entries, page...)

		if next == nil {
			return entries, true
		}

		if len(entries) >= MaxRangeEntries {
			c.reject("range_too_large", v)
			return nil, false
		}

		cursor = *next
	}
}

// compareEntries orders log entries by timestamp, then hash, then validator.
func compareEntries(a, b *attestation.TimestampAttestation) int {
	switch {
	case a.Timestamp != b.Timestamp:
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	case a.MsgHash != b.MsgHash:
		return slices.Compare(a.MsgHash[:], b.MsgHash[:])
	case a.ValidatorIndex < b.ValidatorIndex:
		return -1
	case a.ValidatorIndex > b.ValidatorIndex:
		return 1
	default:
		return 0
	}
}
