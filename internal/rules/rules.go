package rules

import (
	"fmt"
	"strconv"
	"strings"

	"followup/internal/domain"
)

// Rule schedules a follow-up when a request has sat in RequestStatus for
// ElapsedDays with no recent contact.
type Rule struct {
	RequestStatus string
	ElapsedDays   int
	Template      string
	Direction     domain.Direction
}

func (r Rule) Name() string {
	return fmt.Sprintf("%s_%dd_%s", r.RequestStatus, r.ElapsedDays, r.Direction)
}

func DefaultRules() []Rule {
	return []Rule{
		{RequestStatus: domain.RequestAccepted, ElapsedDays: 3, Template: "follow_up_3_days", Direction: domain.ToClient},
		{RequestStatus: domain.RequestAccepted, ElapsedDays: 7, Template: "follow_up_7_days", Direction: domain.ToClient},
		{RequestStatus: domain.RequestPendingProvider, ElapsedDays: 2, Template: "provider_reminder_2_days", Direction: domain.ToProvider},
	}
}

// Parse reads a rule table from its environment form:
// "status:days:template:direction" entries separated by commas, e.g.
// "accepted:3:follow_up_3_days:to_client,accepted:7:follow_up_7_days:to_client".
func Parse(raw string) ([]Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRules(), nil
	}
	var out []Rule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("rule %q: want status:days:template:direction", entry)
		}
		days, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("rule %q: bad elapsed days %q", entry, parts[1])
		}
		dir := domain.Direction(strings.TrimSpace(parts[3]))
		if dir != domain.ToClient && dir != domain.ToProvider {
			return nil, fmt.Errorf("rule %q: bad direction %q", entry, parts[3])
		}
		out = append(out, Rule{
			RequestStatus: strings.TrimSpace(parts[0]),
			ElapsedDays:   days,
			Template:      strings.TrimSpace(parts[2]),
			Direction:     dir,
		})
	}
	if len(out) == 0 {
		return DefaultRules(), nil
	}
	return out, nil
}
