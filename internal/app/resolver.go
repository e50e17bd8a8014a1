/**
 * @description
 * This file implements the reference resolver: the component that maps an
 * arbitrary payer-supplied reference string (often typo-laden or abbreviated)
 * to the internal account it should credit. Resolution runs in strict order —
 * sentinel value, exact match, fuzzy match, advisory match, fallback bucket —
 * and the first success wins. Unmatched money is never dropped; it lands in the
 * singleton complementary account.
 *
 * Fuzzy scoring blends normalized Levenshtein similarity (70%) with Soundex
 * equality (30%). Candidates are iterated in ascending-id order and a higher
 * score must strictly beat the current best, so ties deterministically resolve
 * to the lowest account id.
 *
 * @dependencies
 * - github.com/antzucaro/matchr: Levenshtein distance and Soundex codes.
 * - github.com/redis/go-redis/v9: Shared short-TTL resolution cache.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/redis/go-redis/v9"

	"github.com/chumapay/ledger-service/internal/domain"
	"github.com/chumapay/ledger-service/internal/store"
)

// Match kinds reported alongside a resolved account.
const (
	MatchKindSentinel = "sentinel"
	MatchKindExact    = "exact"
	MatchKindFuzzy    = "fuzzy"
	MatchKindAdvisory = "advisory"
	MatchKindFallback = "fallback"
	MatchKindCached   = "cached"
)

// OfflineSentinel is the reserved literal payers use for offline receipts.
const OfflineSentinel = "OFF"

// AccountMatcher is the optional advisory collaborator that suggests an account
// for references the deterministic steps could not place. Implementations must
// be safe to skip entirely: resolution falls through on nil, error or low
// confidence.
type AccountMatcher interface {
	SuggestAccount(ctx context.Context, reference, payerName string, candidates []domain.Account) (accountID int64, confidence float64, err error)
}

// ResolutionCache stores sanitized-reference -> account-id mappings with a
// short TTL. It must be safe to back with a shared external store since the
// service may run with multiple workers.
type ResolutionCache interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, accountID int64, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// RedisResolutionCache backs the resolution cache with Redis.
type RedisResolutionCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisResolutionCache(client redis.UniversalClient, prefix string) *RedisResolutionCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "chumapay:resolve"
	}
	return &RedisResolutionCache{client: client, prefix: trimmed}
}

func (c *RedisResolutionCache) key(key string) string {
	return c.prefix + ":" + key
}

func (c *RedisResolutionCache) Get(ctx context.Context, key string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

func (c *RedisResolutionCache) Set(ctx context.Context, key string, accountID int64, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), strconv.FormatInt(accountID, 10), ttl).Err()
}

func (c *RedisResolutionCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// ResolverConfig carries the tunables for reference resolution.
type ResolverConfig struct {
	// StripPrefixes are removed from the sanitized input before exact lookup,
	// e.g. "MIN-" on ministry paybill receipts.
	StripPrefixes []string
	// FuzzyThreshold is the minimum 0-100 score a fuzzy candidate must clear.
	FuzzyThreshold float64
	// AdvisoryThreshold is the minimum confidence an advisory suggestion must carry.
	AdvisoryThreshold float64
	CacheTTL          time.Duration
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = 85
	}
	if c.AdvisoryThreshold <= 0 {
		c.AdvisoryThreshold = 0.7
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if len(c.StripPrefixes) == 0 {
		c.StripPrefixes = []string{"MIN-"}
	}
	return c
}

// Resolver maps inbound payment references to ledger accounts.
type Resolver struct {
	repo    store.Repository
	cache   ResolutionCache
	matcher AccountMatcher
	cfg     ResolverConfig
}

// NewResolver creates a resolver. cache and matcher may be nil; both degrade
// gracefully.
func NewResolver(repo store.Repository, cache ResolutionCache, matcher AccountMatcher, cfg ResolverConfig) *Resolver {
	return &Resolver{repo: repo, cache: cache, matcher: matcher, cfg: cfg.withDefaults()}
}

var referenceSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeReference strips everything outside [A-Za-z0-9_-] and uppercases the
// remainder. This is the canonical cache key for a raw payer reference.
func SanitizeReference(raw string) string {
	return strings.ToUpper(referenceSanitizer.ReplaceAllString(strings.TrimSpace(raw), ""))
}

// Resolve returns the account an inbound payment with the given raw reference
// should credit, plus the kind of match that produced it.
func (r *Resolver) Resolve(ctx context.Context, rawReference, payerName string) (*domain.Account, string, error) {
	sanitized := SanitizeReference(rawReference)

	// Step 1: sentinel literal for offline receipts.
	if sanitized == OfflineSentinel {
		account, err := r.repo.FindOrCreateOfflineAccount(ctx)
		if err != nil {
			return nil, "", err
		}
		return account, MatchKindSentinel, nil
	}

	lookup := sanitized
	for _, prefix := range r.cfg.StripPrefixes {
		if trimmed := strings.TrimPrefix(lookup, strings.ToUpper(prefix)); trimmed != lookup && trimmed != "" {
			lookup = trimmed
			break
		}
	}

	// Cache probe. Cache errors degrade to a direct lookup.
	if r.cache != nil && lookup != "" {
		if id, ok, err := r.cache.Get(ctx, lookup); err != nil {
			log.Printf("level=warn component=resolver msg=\"cache get failed; falling through\" key=%s err=%v", lookup, err)
		} else if ok {
			account, err := r.repo.FindAccountByID(ctx, id)
			if err == nil && account.IsActive() {
				return account, MatchKindCached, nil
			}
			// Stale entry; drop it and resolve from scratch.
			_ = r.cache.Invalidate(ctx, lookup)
		}
	}

	account, kind, err := r.resolveUncached(ctx, lookup, payerName)
	if err != nil {
		return nil, "", err
	}

	if r.cache != nil && lookup != "" && kind != MatchKindFallback {
		if err := r.cache.Set(ctx, lookup, account.ID, r.cfg.CacheTTL); err != nil {
			log.Printf("level=warn component=resolver msg=\"cache set failed\" key=%s err=%v", lookup, err)
		}
	}
	return account, kind, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, lookup, payerName string) (*domain.Account, string, error) {
	// Step 2: exact match on the sanitized, prefix-stripped reference.
	if lookup != "" {
		account, err := r.repo.FindAccountByReference(ctx, lookup)
		if err == nil {
			if account.IsActive() {
				return account, MatchKindExact, nil
			}
			// The reference names a real but non-active account. Crediting it
			// would fail at the row lock and leave the provider redelivering
			// forever, and fuzzy-matching a neighbour would credit money the
			// payer clearly addressed elsewhere. It lands in the fallback
			// bucket for manual routing instead.
			log.Printf("level=warn component=resolver msg=\"exact match on non-active account; routing to fallback\" reference=%s account_id=%d status=%s", lookup, account.ID, account.Status)
			fallback, err := r.repo.FindOrCreateComplementaryAccount(ctx)
			if err != nil {
				return nil, "", err
			}
			return fallback, MatchKindFallback, nil
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return nil, "", err
		}
	}

	candidates, err := r.repo.ListActiveStandardAccounts(ctx)
	if err != nil {
		return nil, "", err
	}

	// Step 3: fuzzy match over standard accounts.
	if lookup != "" {
		if account := r.bestFuzzyMatch(lookup, candidates); account != nil {
			return account, MatchKindFuzzy, nil
		}
	}

	// Step 4: advisory match, strictly optional.
	if r.matcher != nil && lookup != "" {
		accountID, confidence, err := r.matcher.SuggestAccount(ctx, lookup, payerName, candidates)
		if err != nil {
			log.Printf("level=warn component=resolver msg=\"advisory match unavailable; falling through\" reference=%s err=%v", lookup, err)
		} else if confidence >= r.cfg.AdvisoryThreshold {
			account, err := r.repo.FindAccountByID(ctx, accountID)
			if err == nil && account.IsActive() {
				return account, MatchKindAdvisory, nil
			}
		}
	}

	// Step 5: fallback bucket — unmatched money is never dropped.
	account, err := r.repo.FindOrCreateComplementaryAccount(ctx)
	if err != nil {
		return nil, "", err
	}
	return account, MatchKindFallback, nil
}

// bestFuzzyMatch scores every candidate and returns the first highest scorer at
// or above the threshold. Candidates arrive ordered by ascending id and only a
// strictly greater score replaces the current best, so ties go to the lowest id.
func (r *Resolver) bestFuzzyMatch(lookup string, candidates []domain.Account) *domain.Account {
	var best *domain.Account
	bestScore := 0.0
	for i := range candidates {
		score := FuzzyScore(lookup, SanitizeReference(candidates[i].Reference))
		if score >= r.cfg.FuzzyThreshold && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	return best
}

// FuzzyScore rates the similarity of two sanitized references on a 0-100 scale:
// 70% normalized Levenshtein similarity, 30% Soundex equality.
func FuzzyScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	distance := matchr.Levenshtein(a, b)
	editSimilarity := 1 - float64(distance)/float64(longest)
	if editSimilarity < 0 {
		editSimilarity = 0
	}

	phonetic := 0.0
	if matchr.Soundex(a) == matchr.Soundex(b) {
		phonetic = 1.0
	}

	return (0.7*editSimilarity + 0.3*phonetic) * 100
}

// InvalidateReference drops any cached resolution for a reference. Call this
// whenever an account's reference changes.
func (r *Resolver) InvalidateReference(ctx context.Context, reference string) {
	if r.cache == nil {
		return
	}
	sanitized := SanitizeReference(reference)
	if sanitized == "" {
		return
	}
	if err := r.cache.Invalidate(ctx, sanitized); err != nil {
		log.Printf("level=warn component=resolver msg=\"cache invalidate failed\" key=%s err=%v", sanitized, err)
	}
}
