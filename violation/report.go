package violation

import "encoding/json"

// Report is emitted for every completed scan.
type Report struct {
	ID         string   `json:"id"` // UUIDv7
	SessionID  string   `json:"session_id"`
	PageID     string   `json:"page_id,omitempty"`
	PageURL    string   `json:"page_url,omitempty"`
	Target     string   `json:"target"`
	Initial    bool     `json:"initial"`
	Timestamp  int64    `json:"timestamp"` // epoch milliseconds
	Violations []Record `json:"violations"`
	Added      []Record `json:"added"`
	Removed    []Record `json:"removed"`
}

// CountByImpact tallies the current violations per impact.
func (r *Report) CountByImpact() map[Impact]int {
	out := make(map[Impact]int)
	for _, v := range r.Violations {
		out[v.Impact]++
	}
	return out
}

// MarshalReport encodes a report as JSON.
func MarshalReport(r *Report) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalReport decodes a JSON report.
func UnmarshalReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
