package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
	"github.com/chumapay/ledger-service/internal/store"
)

type resolverRepoStub struct {
	store.Repository

	accounts      []domain.Account
	complementary domain.Account
	offline       domain.Account

	complementaryCalled bool
	offlineCalled       bool
}

func (s *resolverRepoStub) FindAccountByReference(ctx context.Context, reference string) (*domain.Account, error) {
	for i := range s.accounts {
		if s.accounts[i].Reference == reference {
			return &s.accounts[i], nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (s *resolverRepoStub) FindAccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			return &s.accounts[i], nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (s *resolverRepoStub) ListActiveStandardAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.accounts, nil
}

func (s *resolverRepoStub) FindOrCreateComplementaryAccount(ctx context.Context) (*domain.Account, error) {
	s.complementaryCalled = true
	return &s.complementary, nil
}

func (s *resolverRepoStub) FindOrCreateOfflineAccount(ctx context.Context) (*domain.Account, error) {
	s.offlineCalled = true
	return &s.offline, nil
}

type mapResolutionCache struct {
	entries map[string]int64
}

func newMapResolutionCache() *mapResolutionCache {
	return &mapResolutionCache{entries: map[string]int64{}}
}

func (c *mapResolutionCache) Get(ctx context.Context, key string) (int64, bool, error) {
	id, ok := c.entries[key]
	return id, ok, nil
}

func (c *mapResolutionCache) Set(ctx context.Context, key string, accountID int64, ttl time.Duration) error {
	c.entries[key] = accountID
	return nil
}

func (c *mapResolutionCache) Invalidate(ctx context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

func activeAccount(id int64, reference string) domain.Account {
	return domain.Account{
		ID:        id,
		Reference: reference,
		Name:      reference,
		Type:      domain.AccountTypeStandard,
		Status:    domain.AccountStatusActive,
		Balance:   decimal.Zero,
	}
}

func TestSanitizeReference(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"lowercase is uppercased", "water2024", "WATER2024"},
		{"whitespace and punctuation stripped", "  water 2024! ", "WATER2024"},
		{"hyphen and underscore preserved", "MIN-WATER_24", "MIN-WATER_24"},
		{"only junk becomes empty", "  !!??  ", ""},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeReference(tt.raw); got != tt.want {
				t.Fatalf("SanitizeReference(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFuzzyScore(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		min  float64
		max  float64
	}{
		{"identical is 100", "WATER2024", "WATER2024", 100, 100},
		{"single typo scores high", "WATER2024", "WATR2024", 85, 100},
		{"unrelated scores low", "WATER2024", "SCHOOLFEES", 0, 50},
		{"empty scores zero", "", "WATER2024", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FuzzyScore(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Fatalf("FuzzyScore(%q, %q) = %f, want within [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestResolveSentinelRoutesToOfflineAccount(t *testing.T) {
	repo := &resolverRepoStub{
		offline: domain.Account{ID: 99, Reference: "MPESA-OFFLINE", Type: domain.AccountTypeMpesaOffline, Status: domain.AccountStatusActive},
	}
	resolver := NewResolver(repo, nil, nil, ResolverConfig{})

	account, kind, err := resolver.Resolve(context.Background(), " off ", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindSentinel {
		t.Fatalf("expected sentinel match, got %s", kind)
	}
	if account.ID != 99 || !repo.offlineCalled {
		t.Fatalf("expected offline account 99, got %d", account.ID)
	}
}

func TestResolveExactMatchAfterPrefixStrip(t *testing.T) {
	repo := &resolverRepoStub{
		accounts: []domain.Account{activeAccount(1, "WATER2024")},
	}
	resolver := NewResolver(repo, nil, nil, ResolverConfig{})

	account, kind, err := resolver.Resolve(context.Background(), "MIN-water2024", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindExact {
		t.Fatalf("expected exact match, got %s", kind)
	}
	if account.ID != 1 {
		t.Fatalf("expected account 1, got %d", account.ID)
	}
}

func TestResolveFuzzyMatchTieBreaksToLowestID(t *testing.T) {
	// Both references are one edit away from the lookup; the lower id must win
	// on every run.
	repo := &resolverRepoStub{
		accounts: []domain.Account{
			activeAccount(3, "WATERA2024"),
			activeAccount(7, "WATERE2024"),
		},
	}
	resolver := NewResolver(repo, nil, nil, ResolverConfig{FuzzyThreshold: 80})

	for i := 0; i < 10; i++ {
		account, kind, err := resolver.Resolve(context.Background(), "WATER2024", "")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if kind != MatchKindFuzzy {
			t.Fatalf("expected fuzzy match, got %s", kind)
		}
		if account.ID != 3 {
			t.Fatalf("run %d: expected lowest-id account 3, got %d", i, account.ID)
		}
	}
}

func TestResolveFallsBackToComplementaryAccount(t *testing.T) {
	repo := &resolverRepoStub{
		accounts:      []domain.Account{activeAccount(1, "WATER2024")},
		complementary: domain.Account{ID: 50, Reference: "COMPLEMENTARY", Type: domain.AccountTypeComplementary, Status: domain.AccountStatusActive},
	}
	resolver := NewResolver(repo, nil, nil, ResolverConfig{})

	account, kind, err := resolver.Resolve(context.Background(), "XYZ-NO-SUCH-PROJECT", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindFallback {
		t.Fatalf("expected fallback, got %s", kind)
	}
	if account.ID != 50 || !repo.complementaryCalled {
		t.Fatalf("expected complementary account 50, got %d", account.ID)
	}
}

func TestResolveExactMatchOnSuspendedAccountRoutesToFallback(t *testing.T) {
	suspended := activeAccount(7, "WATER2024")
	suspended.Status = domain.AccountStatusSuspended
	repo := &resolverRepoStub{
		accounts:      []domain.Account{activeAccount(1, "WATERA2024"), suspended},
		complementary: domain.Account{ID: 50, Reference: "COMPLEMENTARY", Type: domain.AccountTypeComplementary, Status: domain.AccountStatusActive},
	}
	cache := newMapResolutionCache()
	resolver := NewResolver(repo, cache, nil, ResolverConfig{})

	account, kind, err := resolver.Resolve(context.Background(), "WATER2024", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindFallback {
		t.Fatalf("expected fallback for suspended exact match, got %s", kind)
	}
	if account.ID != 50 || !repo.complementaryCalled {
		t.Fatalf("expected complementary account 50, got %d", account.ID)
	}
	if len(cache.entries) != 0 {
		t.Fatalf("suspended-account resolutions must not be cached, found %v", cache.entries)
	}
}

func TestResolveEmptyReferenceFallsBack(t *testing.T) {
	repo := &resolverRepoStub{
		complementary: domain.Account{ID: 50, Reference: "COMPLEMENTARY", Type: domain.AccountTypeComplementary, Status: domain.AccountStatusActive},
	}
	resolver := NewResolver(repo, nil, nil, ResolverConfig{})

	_, kind, err := resolver.Resolve(context.Background(), "  !! ", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindFallback {
		t.Fatalf("expected fallback for empty sanitized reference, got %s", kind)
	}
}

type advisoryMatcherStub struct {
	accountID  int64
	confidence float64
	err        error
}

func (s *advisoryMatcherStub) SuggestAccount(ctx context.Context, reference, payerName string, candidates []domain.Account) (int64, float64, error) {
	return s.accountID, s.confidence, s.err
}

func TestResolveAdvisoryMatchRespectsConfidenceThreshold(t *testing.T) {
	repo := &resolverRepoStub{
		accounts:      []domain.Account{activeAccount(4, "BOREHOLEFUND")},
		complementary: domain.Account{ID: 50, Reference: "COMPLEMENTARY", Type: domain.AccountTypeComplementary, Status: domain.AccountStatusActive},
	}

	confident := NewResolver(repo, nil, &advisoryMatcherStub{accountID: 4, confidence: 0.9}, ResolverConfig{})
	account, kind, err := confident.Resolve(context.Background(), "MAJI", "Jane Wanjiku")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindAdvisory || account.ID != 4 {
		t.Fatalf("expected advisory match on account 4, got kind=%s account=%d", kind, account.ID)
	}

	hesitant := NewResolver(repo, nil, &advisoryMatcherStub{accountID: 4, confidence: 0.4}, ResolverConfig{})
	_, kind, err = hesitant.Resolve(context.Background(), "MAJI", "Jane Wanjiku")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindFallback {
		t.Fatalf("expected low-confidence suggestion to fall back, got %s", kind)
	}
}

func TestResolveUsesCacheAndCachesResults(t *testing.T) {
	repo := &resolverRepoStub{
		accounts: []domain.Account{activeAccount(1, "WATER2024")},
	}
	cache := newMapResolutionCache()
	resolver := NewResolver(repo, cache, nil, ResolverConfig{})

	// First hit resolves exactly and populates the cache.
	_, kind, err := resolver.Resolve(context.Background(), "WATER2024", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindExact {
		t.Fatalf("expected exact match, got %s", kind)
	}
	if _, ok := cache.entries["WATER2024"]; !ok {
		t.Fatal("expected resolution to be cached")
	}

	// Second hit is served from the cache.
	_, kind, err = resolver.Resolve(context.Background(), "WATER2024", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindCached {
		t.Fatalf("expected cached match, got %s", kind)
	}
}

func TestResolveDoesNotCacheFallback(t *testing.T) {
	repo := &resolverRepoStub{
		complementary: domain.Account{ID: 50, Reference: "COMPLEMENTARY", Type: domain.AccountTypeComplementary, Status: domain.AccountStatusActive},
	}
	cache := newMapResolutionCache()
	resolver := NewResolver(repo, cache, nil, ResolverConfig{})

	_, kind, err := resolver.Resolve(context.Background(), "UNKNOWN99", "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != MatchKindFallback {
		t.Fatalf("expected fallback, got %s", kind)
	}
	if len(cache.entries) != 0 {
		t.Fatalf("fallback resolutions must not be cached, found %v", cache.entries)
	}
}

func TestInvalidateReferenceDropsCacheEntry(t *testing.T) {
	repo := &resolverRepoStub{
		accounts: []domain.Account{activeAccount(1, "WATER2024")},
	}
	cache := newMapResolutionCache()
	resolver := NewResolver(repo, cache, nil, ResolverConfig{})

	if _, _, err := resolver.Resolve(context.Background(), "WATER2024", ""); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	resolver.InvalidateReference(context.Background(), "water 2024")
	if len(cache.entries) != 0 {
		t.Fatalf("expected cache entry removed, found %v", cache.entries)
	}
}
