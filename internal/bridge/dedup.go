package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dcrelay/internal/database"
	"dcrelay/internal/types"
)

// Verdict is the result of a dedup check.
type Verdict int

const (
	Unique Verdict = iota
	Duplicate
)

func (v Verdict) String() string {
	if v == Duplicate {
		return "duplicate"
	}
	return "unique"
}

// DedupHash fingerprints a message by network, sender, normalized text and
// the time bucket it was created in.
func DedupHash(network types.Network, senderID, text string, at time.Time, bucket time.Duration) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	slot := at.UTC().Truncate(bucket).Unix()

	h := sha256.New()
	h.Write([]byte(network))
	h.Write([]byte{0})
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// HashIndex remembers recently seen dedup hashes.
type HashIndex interface {
	// Claim records hash and reports true if it was not already present.
	Claim(ctx context.Context, hash string, at time.Time) (bool, error)
	// Forget drops hash so a later message with the same fingerprint is unique.
	Forget(ctx context.Context, hash string) error
}

// Deduplicator rejects messages whose fingerprint was already accepted
// within the retention window.
type Deduplicator struct {
	index     HashIndex
	store     database.Store
	bucket    time.Duration
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewDeduplicator checks index first and falls back to store on a miss.
func NewDeduplicator(index HashIndex, store database.Store, bucket, retention time.Duration, log zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		index:     index,
		store:     store,
		bucket:    bucket,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("component", "dedup").Logger(),
	}
}

// CheckAndMark classifies msg and marks its hash as seen when unique.
func (d *Deduplicator) CheckAndMark(ctx context.Context, msg *types.BridgeMessage) (Verdict, error) {
	if msg.DedupHash == "" {
		msg.DedupHash = DedupHash(msg.SourceNetwork, msg.SenderID, msg.Text, msg.CreatedAt, d.bucket)
	}

	claimed, err := d.index.Claim(ctx, msg.DedupHash, msg.CreatedAt)
	if err != nil {
		// index unreachable: the store alone decides
		d.log.Warn().Err(err).Msg("Dedup index unavailable")
		claimed = true
	}
	if !claimed {
		return Duplicate, nil
	}

	existing, err := d.store.FindMessageByDedupHash(ctx, msg.DedupHash, d.now().Add(-d.retention))
	switch {
	case errors.Is(err, types.ErrNotFound):
		return Unique, nil
	case err != nil:
		d.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dedup store lookup failed, treating as unique")
		return Unique, nil
	case existing.ID == msg.ID || existing.Status == string(types.StatusFailed):
		return Unique, nil
	default:
		return Duplicate, nil
	}
}

// Forget releases the hash of a message that ended Failed.
func (d *Deduplicator) Forget(ctx context.Context, hash string) {
	if hash == "" {
		return
	}
	if err := d.index.Forget(ctx, hash); err != nil {
		d.log.Warn().Err(err).Msg("Failed to release dedup hash")
	}
}

// RegisterEcho fingerprints a message the bridge just posted on network so
// the copy read back from that network is recognised as a duplicate. The
// following bucket is claimed too, for read-backs that cross a boundary.
func (d *Deduplicator) RegisterEcho(ctx context.Context, network types.Network, senderID, text string, at time.Time) {
	if senderID == "" {
		return
	}
	text = strings.TrimSpace(text)
	for _, slot := range []time.Time{at, at.Add(d.bucket)} {
		hash := DedupHash(network, senderID, text, slot, d.bucket)
		if _, err := d.index.Claim(ctx, hash, slot); err != nil {
			d.log.Warn().Err(err).Msg("Failed to register echo fingerprint")
			return
		}
	}
}

// Warm loads the hashes of recent messages from the store into the index.
func (d *Deduplicator) Warm(ctx context.Context) (int, error) {
	records, err := d.store.ListMessagesSince(ctx, d.now().Add(-d.retention))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.DedupHash == "" || r.Status == string(types.StatusFailed) {
			continue
		}
		if _, err := d.index.Claim(ctx, r.DedupHash, r.CreatedAt); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
