package collector

import (
	"dato/internal/attestation"
	"dato/internal/logger"
	"dato/internal/validatorset"
	"dato/internal/wire"
)

// reject logs and counts a dropped validator answer.
func (c *Collector) reject(reason string, v validatorset.Identity) {
	logger.Debug("response dropped", "validator", v.Index, "reason", reason)
	c.metrics.Rejected(reason)
}

// decode turns a raw reply into a response, dropping transport failures,
// undecodable bodies and refusals.
func (c *Collector) decode(r reply) (*wire.Response, bool) {
	if r.err != nil {
		c.reject("unreachable", r.validator)
		return nil, false
	}

	resp, err := wire.DecodeResponse(r.data)
	if err != nil {
		c.reject("malformed", r.validator)
		return nil, false
	}

	if resp.Type == wire.TypeRefusal {
		c.reject(resp.Reason.String(), r.validator)
		return nil, false
	}

	return resp, true
}

// checkTimestamp validates a timestamp answer: right type, right hash,
// signed by the validator that was asked.
func (c *Collector) checkTimestamp(hash attestation.Hash, r reply) (*attestation.TimestampAttestation, bool) {
	resp, ok := c.decode(r)
	if !ok {
		return nil, false
	}

	if resp.Type != wire.TypeTimestamp {
		c.reject("unexpected_type", r.validator)
		return nil, false
	}

	att := resp.Timestamp

	if att.ValidatorIndex != r.validator.Index {
		c.reject("wrong_validator", r.validator)
		return nil, false
	}

	if att.MsgHash != hash {
		c.reject("wrong_hash", r.validator)
		return nil, false
	}

	if !att.Verify(r.validator.PublicKey) {
		c.reject("bad_signature", r.validator)
		return nil, false
	}

	return att, true
}

// checkAbsence validates an unavailability answer for (hash, deadline).
func (c *Collector) checkAbsence(hash attestation.Hash, deadline uint64, r reply) (*attestation.UnavailabilityAttestation, bool) {
	resp, ok := c.decode(r)
	if !ok {
		return nil, false
	}

	if resp.Type != wire.TypeAbsence {
		c.reject("unexpected_type", r.validator)
		return nil, false
	}

	att := resp.Absence

	if att.ValidatorIndex != r.validator.Index {
		c.reject("wrong_validator", r.validator)
		return nil, false
	}

	if att.MsgHash != hash || att.Deadline != deadline {
		c.reject("wrong_statement", r.validator)
		return nil, false
	}

	if !att.Verify(r.validator.PublicKey) {
		c.reject("bad_signature", r.validator)
		return nil, false
	}

	return att, true
}

// checkLog validates one page of a validator's log read from cursor. Entries
// must be signed by the validator, lie between the cursor and end in strictly
// increasing log order, and a continuation cursor must move past the page.
// One bad entry discards the whole log.
func (c *Collector) checkLog(cursor wire.Cursor, end uint64, r reply) ([]*attestation.TimestampAttestation, *wire.Cursor, bool) {
	resp, ok := c.decode(r)
	if !ok {
		return nil, nil, false
	}

	if resp.Type != wire.TypeLog {
		c.reject("unexpected_type", r.validator)
		return nil, nil, false
	}

	var prev *attestation.TimestampAttestation

	for _, att := range resp.Log {
		if att.ValidatorIndex != r.validator.Index {
			c.reject("wrong_validator", r.validator)
			return nil, nil, false
		}

		if cursor.After(att) || att.Timestamp > end {
			c.reject("out_of_range", r.validator)
			return nil, nil, false
		}

		if prev != nil && !(wire.Cursor{Timestamp: att.Timestamp, MsgHash: att.MsgHash}).After(prev) {
			c.reject("out_of_order", r.validator)
			return nil, nil, false
		}

		if !att.Verify(r.validator.PublicKey) {
			c.reject("bad_signature", r.validator)
			return nil, nil, false
		}

		prev = att
	}

	if next := resp.Next; next != nil {
		if prev == nil || !next.After(prev) || next.Timestamp > end {
			c.reject("bad_cursor", r.validator)
			return nil, nil, false
		}
	}

	return resp.Log, resp.Next, true
}
