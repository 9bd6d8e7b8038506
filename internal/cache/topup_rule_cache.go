package cache

import (
	"time"

	topupdomain "github.com/smallbiznis/entitle/internal/topup/domain"
)

const (
	defaultRuleTTL       = time.Minute
	defaultTopUpCooldown = 30 * time.Second
)

// TopUpRuleCache stores hot-path rule lookups for the deduction path and
// suppresses repeated auto top-up triggers while one is in flight.
type TopUpRuleCache interface {
	GetRules(customerID, featureID string) ([]topupdomain.Rule, bool)
	SetRules(customerID, featureID string, rules []topupdomain.Rule)
	InvalidateRules(customerID, featureID string)
	// TryTrigger reports true for the first caller per customer, feature and
	// scope within the cooldown window.
	TryTrigger(customerID, featureID, scopeKey string) bool
	ClearTrigger(customerID, featureID, scopeKey string)
}

type topUpRuleCache struct {
	rules    Cache[string, []topupdomain.Rule]
	inflight *TTLCache[string, struct{}]
	ruleTTL  time.Duration
	cooldown time.Duration
}

// NewTopUpRuleCache returns an in-memory rule cache. Zero durations use defaults.
func NewTopUpRuleCache(ruleTTL, cooldown time.Duration) TopUpRuleCache {
	if ruleTTL <= 0 {
		ruleTTL = defaultRuleTTL
	}
	if cooldown <= 0 {
		cooldown = defaultTopUpCooldown
	}
	return &topUpRuleCache{
		rules:    NewTTLCache[string, []topupdomain.Rule](),
		inflight: NewTTLCache[string, struct{}](),
		ruleTTL:  ruleTTL,
		cooldown: cooldown,
	}
}

func (c *topUpRuleCache) GetRules(customerID, featureID string) ([]topupdomain.Rule, bool) {
	return c.rules.Get(cacheKey(customerID, featureID))
}

func (c *topUpRuleCache) SetRules(customerID, featureID string, rules []topupdomain.Rule) {
	c.rules.Set(cacheKey(customerID, featureID), rules, c.ruleTTL)
}

func (c *topUpRuleCache) InvalidateRules(customerID, featureID string) {
	c.rules.Delete(cacheKey(customerID, featureID))
}

func (c *topUpRuleCache) TryTrigger(customerID, featureID, scopeKey string) bool {
	return c.inflight.SetIfAbsent(cacheKey(customerID, featureID, scopeKey), struct{}{}, c.cooldown)
}

func (c *topUpRuleCache) ClearTrigger(customerID, featureID, scopeKey string) {
	c.inflight.Delete(cacheKey(customerID, featureID, scopeKey))
}
