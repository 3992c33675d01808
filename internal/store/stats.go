package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/axewatch/violation"
)

// RuleStat aggregates the unresolved occurrences of one rule.
type RuleStat struct {
	RuleID   string           `json:"rule_id"`
	Impact   violation.Impact `json:"impact"`
	Help     string           `json:"help"`
	Runs     int              `json:"runs"`
	Nodes    int              `json:"nodes"`
	Pages    int              `json:"pages"`
	LastSeen int64            `json:"last_seen"`
}

// RuleStats counts, per rule, the runs and nodes in which it was reported,
// most frequent first. pageID narrows to one page when non-empty.
func (s *Store) RuleStats(ctx context.Context, pageID string) ([]*RuleStat, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT v.rule_id, GROUP_CONCAT(DISTINCT v.impact), MAX(v.help),
		       COUNT(DISTINCT v.run_id), SUM(v.node_count),
		       COUNT(DISTINCT r.page_id), MAX(r.created_at)
		FROM audit_violations v
		JOIN audit_runs r ON r.id = v.run_id
		WHERE v.status != 'resolved' AND (? = '' OR r.page_id = ?)
		GROUP BY v.rule_id
		ORDER BY COUNT(DISTINCT v.run_id) DESC, v.rule_id`, pageID, pageID)
	if err != nil {
		return nil, fmt.Errorf("store: rule stats: %w", err)
	}
	defer rows.Close()

	var out []*RuleStat
	for rows.Next() {
		st := &RuleStat{}
		var impacts string
		if err := rows.Scan(&st.RuleID, &impacts, &st.Help, &st.Runs, &st.Nodes, &st.Pages, &st.LastSeen); err != nil {
			return nil, fmt.Errorf("store: scan rule stat: %w", err)
		}
		st.Impact = highest(strings.Split(impacts, ","))
		out = append(out, st)
	}
	return out, rows.Err()
}

var severity = map[violation.Impact]int{
	violation.ImpactMinor:    1,
	violation.ImpactModerate: 2,
	violation.ImpactSerious:  3,
	violation.ImpactCritical: 4,
}

// highest returns the most severe impact of a rule across runs.
func highest(impacts []string) violation.Impact {
	best := violation.ImpactUnknown
	for _, s := range impacts {
		if imp := violation.ParseImpact(s); severity[imp] > severity[best] {
			best = imp
		}
	}
	return best
}
