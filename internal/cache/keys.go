package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/feed"
)

const (
	priceKeyPrefix  = "price:"
	votingKeyPrefix = "voting:"
)

func priceKey(f feed.ID) string {
	return priceKeyPrefix + f.Key()
}

func votingKey(round int64, f feed.ID) string {
	return fmt.Sprintf("%s%d:%s", votingKeyPrefix, round, f.Key())
}

// parseVotingKey extracts the feed key and round from a voting-round cache
// key. ok is false for any other key shape (notably price keys).
func parseVotingKey(key string) (feedKey string, round int64, ok bool) {
	if !strings.HasPrefix(key, votingKeyPrefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(key, votingKeyPrefix)
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "", 0, false
	}
	roundStr, feedKey := rest[:idx], rest[idx+1:]
	round, err := strconv.ParseInt(roundStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return feedKey, round, true
}

func keyspaceOf(key string) string {
	switch {
	case strings.HasPrefix(key, priceKeyPrefix):
		return "price"
	case strings.HasPrefix(key, votingKeyPrefix):
		return "voting_round"
	default:
		return "other"
	}
}

// SetForVotingRound stores entry under the voting-round keyspace for the
// given round, stamping entry.VotingRound (spec.md §4.1).
func (c *Cache) SetForVotingRound(f feed.ID, round int64, entry *feed.Entry, ttl time.Duration) {
	if entry == nil {
		panic("cache: SetForVotingRound called with nil entry")
	}
	stamped := entry.Clone()
	r := round
	stamped.VotingRound = &r
	c.Set(votingKey(round, f), &stamped, ttl)
}

// GetForVotingRound reads the entry stored for (feed, round), if any.
func (c *Cache) GetForVotingRound(f feed.ID, round int64) (feed.Entry, bool) {
	return c.Get(votingKey(round, f))
}

// SetPrice writes the current-price entry for f at the cache's maxTTL,
// then invalidates every voting-round entry for the same feed (spec.md
// §3: "invalidating on price update removes only voting-round keys").
func (c *Cache) SetPrice(f feed.ID, entry *feed.Entry) {
	if entry == nil {
		panic("cache: SetPrice called with nil entry")
	}
	c.Set(priceKey(f), entry, c.cfg.MaxTTL)
	c.InvalidateOnPriceUpdate(f)
}

// GetPrice reads the current-price entry for f.
func (c *Cache) GetPrice(f feed.ID) (feed.Entry, bool) {
	return c.Get(priceKey(f))
}

// InvalidateOnPriceUpdate removes every voting-round key for f, leaving
// the current-price key (if any) to expire naturally.
func (c *Cache) InvalidateOnPriceUpdate(f feed.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.votingIndex[f.Key()]
	if !ok {
		return
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.removeLocked(k)
	}
}
