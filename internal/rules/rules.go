// Package rules decides whether a trigger event owes a payment under a
// campaign's payment rules.
package rules

import (
	"fmt"
	"time"

	"x402-engine/internal/ledger"
	"x402-engine/internal/money"
	"x402-engine/internal/store"
	"x402-engine/internal/x402err"

	"github.com/shopspring/decimal"
)

type Trigger string

const (
	TriggerPostVerified    Trigger = "post_verified"
	TriggerViralBonus      Trigger = "viral_bonus"
	TriggerEngagementBonus Trigger = "engagement_bonus"
	TriggerCommunityVote   Trigger = "community_vote"
)

var triggers = []Trigger{TriggerPostVerified, TriggerViralBonus, TriggerEngagementBonus, TriggerCommunityVote}

// ParseTrigger rejects anything outside the closed trigger set.
func ParseTrigger(s string) (Trigger, error) {
	for _, t := range triggers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", x402err.Validation("trigger", fmt.Sprintf("unknown trigger %q", s))
}

// Rule is one payment rule in declaration order.
type Rule struct {
	Trigger   Trigger
	PayAmount decimal.Decimal
	Threshold decimal.NullDecimal
}

// FromStore converts stored rules, keeping their order.
func FromStore(rules []store.PaymentRule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = Rule{Trigger: Trigger(r.Trigger), PayAmount: r.PayAmount, Threshold: r.Threshold}
	}
	return out
}

// ToStore converts rules for persistence.
func ToStore(rules []Rule) []store.PaymentRule {
	out := make([]store.PaymentRule, len(rules))
	for i, r := range rules {
		out[i] = store.PaymentRule{Position: i, Trigger: string(r.Trigger), PayAmount: r.PayAmount, Threshold: r.Threshold}
	}
	return out
}

// Event is an external trigger for one post.
type Event struct {
	Trigger   Trigger
	PostID    string
	KOLWallet string
	Proof     string
	// Metric is the measured value compared against a rule threshold.
	Metric decimal.NullDecimal
}

// No-match reasons
const (
	ReasonCampaignNotActive = "campaign_not_active"
	ReasonCampaignEnded     = "campaign_ended"
	ReasonNoRule            = "no_matching_rule"
	ReasonBelowThreshold    = "below_threshold"
	ReasonInsufficientFunds = "insufficient_funds"
)

// Decision is the evaluation outcome. Reason is set when nothing is owed.
type Decision struct {
	Rule      Rule
	Position  int
	PayAmount decimal.Decimal
	Reason    string
}

// Evaluate selects the first rule, in declaration order, whose trigger matches
// the event. Rules are not cumulative. A non-match is not an error: the bool is
// false and Decision.Reason says why.
func Evaluate(campaign store.Campaign, rules []Rule, balances ledger.Balances, event Event, now time.Time) (Decision, bool) {
	if campaign.Status != store.CampaignStatusActive {
		return Decision{Reason: ReasonCampaignNotActive}, false
	}
	if !now.Before(campaign.EndsAt) {
		return Decision{Reason: ReasonCampaignEnded}, false
	}

	for i, rule := range rules {
		if rule.Trigger != event.Trigger {
			continue
		}
		if rule.Threshold.Valid {
			if !event.Metric.Valid || event.Metric.Decimal.LessThan(rule.Threshold.Decimal) {
				return Decision{Rule: rule, Position: i, Reason: ReasonBelowThreshold}, false
			}
		}
		if balances.Remaining.LessThan(rule.PayAmount) {
			return Decision{Rule: rule, Position: i, Reason: ReasonInsufficientFunds}, false
		}
		return Decision{Rule: rule, Position: i, PayAmount: rule.PayAmount}, true
	}
	return Decision{Reason: ReasonNoRule}, false
}

// Validate checks a rule set at campaign creation.
func Validate(rules []Rule, budget decimal.Decimal) error {
	if len(rules) == 0 {
		return x402err.Validation("paymentRules", "at least one payment rule is required")
	}
	for i, r := range rules {
		field := fmt.Sprintf("paymentRules[%d]", i)
		if _, err := ParseTrigger(string(r.Trigger)); err != nil {
			return x402err.Validation(field+".trigger", fmt.Sprintf("unknown trigger %q", r.Trigger))
		}
		if err := money.ValidatePositive(field+".payAmount", r.PayAmount); err != nil {
			return err
		}
		if r.PayAmount.GreaterThan(budget) {
			return x402err.Validation(field+".payAmount", "payAmount cannot exceed the campaign budget")
		}
		if r.Threshold.Valid && r.Threshold.Decimal.IsNegative() {
			return x402err.Validation(field+".threshold", "threshold cannot be negative")
		}
	}
	return nil
}
