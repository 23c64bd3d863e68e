package client

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"dato/internal/aggregation"
	"dato/internal/attestation"
	"dato/internal/certificate"
	"dato/internal/logger"
	"dato/internal/network"
	"dato/internal/validatorset"
)

// DefaultTrackedHashes bounds the hashes a certified subscription follows.
const DefaultTrackedHashes = 4096

// subscription is one consumer of verified announcements.
type subscription struct {
	ch   chan *attestation.TimestampAttestation
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe streams verified attestations that validators announce as they
// sign them. The channel is closed when ctx is done or the client closes.
// A slow consumer misses announcements rather than stalling the client.
func (c *Client) Subscribe(ctx context.Context) <-chan *attestation.TimestampAttestation {
	sub := &subscription{ch: make(chan *attestation.TimestampAttestation, DefaultSubscriptionBuffer)}

	c.subsMu.Lock()
	c.subs[sub] = struct{}{}
	c.subsMu.Unlock()

	go func() {
		<-ctx.Done()

		c.subsMu.Lock()
		delete(c.subs, sub)
		sub.close()
		c.subsMu.Unlock()
	}()

	return sub.ch
}

// handleAnnouncement verifies a pushed attestation and fans it out.
func (c *Client) handleAnnouncement(_ *network.Peer, data []byte) {
	set := c.holder.Load()
	if set == nil {
		return
	}

	att, err := decodeAnnouncement(set, data)
	if err != nil {
		logger.Debug("dropped announcement", "error", err)
		c.metrics.Rejected("announcement")
		return
	}

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for sub := range c.subs {
		select {
		case sub.ch <- att:
		default:
			logger.Debug("subscriber lagging, announcement dropped", "hash", att.MsgHash)
		}
	}
}

// tracked holds the announcements seen so far for one hash.
type tracked struct {
	atts      map[uint64]*attestation.TimestampAttestation
	certified bool
}

// SubscribeCertified folds announcements into timestamp certificates. A
// certificate is emitted once per hash, as soon as the announcements for it
// carry a quorum of stake.
func (c *Client) SubscribeCertified(ctx context.Context) (<-chan *certificate.Certificate, error) {
	cache, err := lru.New[attestation.Hash, *tracked](DefaultTrackedHashes)
	if err != nil {
		return nil, fmt.Errorf("create tracker:\n%w", err)
	}

	in := c.Subscribe(ctx)
	out := make(chan *certificate.Certificate, DefaultSubscriptionBuffer)

	go func() {
		defer close(out)

		for att := range in {
			cert := c.fold(cache, att)
			if cert == nil {
				continue
			}

			select {
			case out <- cert:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// fold adds att to its hash's tracker and returns a certificate when the
// tracker first reaches the threshold.
func (c *Client) fold(cache *lru.Cache[attestation.Hash, *tracked], att *attestation.TimestampAttestation) *certificate.Certificate {
	set := c.holder.Load()
	if set == nil {
		return nil
	}

	t, ok := cache.Get(att.MsgHash)
	if !ok {
		t = &tracked{atts: make(map[uint64]*attestation.TimestampAttestation)}
		cache.Add(att.MsgHash, t)
	}

	if t.certified {
		return nil
	}

	t.atts[att.ValidatorIndex] = att

	atts, weight := current(set, t.atts)
	if weight < set.Threshold() {
		return nil
	}

	cert, err := aggregation.BuildTimestampCertificate(set, atts)
	if err != nil {
		logger.Warn("certified subscription build failed", "hash", att.MsgHash, "error", err)
		return nil
	}

	t.certified = true
	t.atts = nil

	return cert
}

// current keeps the attestations whose signers are in set and sums their stake.
func current(set *validatorset.Set, byIndex map[uint64]*attestation.TimestampAttestation) ([]*attestation.TimestampAttestation, uint64) {
	atts := make([]*attestation.TimestampAttestation, 0, len(byIndex))

	var weight uint64

	for index, att := range byIndex {
		pos := set.Position(index)
		if pos < 0 {
			continue
		}

		atts = append(atts, att)
		weight += set.At(pos).Stake
	}

	return atts, weight
}
