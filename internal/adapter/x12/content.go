package x12

import "strings"

// claimStatusCategories maps the leading code of STC01-1.
var claimStatusCategories = map[string]string{
	"A0": "Forwarded",
	"A1": "Pending",
	"A2": "Accepted",
	"A3": "Rejected",
	"A4": "Not Found",
	"A5": "Split",
}

// ClaimStatusCategory describes a 277 STC category code.
func ClaimStatusCategory(code string) string {
	if len(code) >= 2 {
		if d, ok := claimStatusCategories[code[:2]]; ok {
			return d
		}
	}
	return "Unknown"
}

// Benefit is one 271 EB segment.
type Benefit struct {
	Code          string `json:"code"`
	CoverageLevel string `json:"coverage_level,omitempty"`
	ServiceType   string `json:"service_type,omitempty"`
	InsuranceType string `json:"insurance_type,omitempty"`
	Plan          string `json:"plan,omitempty"`
	Amount        string `json:"amount,omitempty"`
}

// ClaimStatus is one 277 STC segment.
type ClaimStatus struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	StatusCode  string `json:"status_code,omitempty"`
	Date        string `json:"date,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

// Party is an NM1 name segment.
type Party struct {
	Role      string `json:"role"`
	LastName  string `json:"last_name,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	IDCode    string `json:"id_code,omitempty"`
}

// Content is the parsed business content of a response set.
type Content struct {
	SetCode       string        `json:"set_code"`
	ControlNumber string        `json:"control_number"`
	Parties       []Party       `json:"parties,omitempty"`
	Benefits      []Benefit     `json:"benefits,omitempty"`
	ClaimStatuses []ClaimStatus `json:"claim_statuses,omitempty"`
}

// ReadContent extracts names, eligibility benefits and claim statuses.
func ReadContent(s TransactionSet, d Delimiters) Content {
	c := Content{SetCode: s.Code, ControlNumber: s.ControlNumber}
	for _, seg := range s.Segments {
		switch seg.ID() {
		case "NM1":
			c.Parties = append(c.Parties, Party{Role: seg.El(1), LastName: seg.El(3), FirstName: seg.El(4), IDCode: seg.El(9)})
		case "EB":
			c.Benefits = append(c.Benefits, Benefit{
				Code: seg.El(1), CoverageLevel: seg.El(2), ServiceType: seg.El(3),
				InsuranceType: seg.El(4), Plan: seg.El(5), Amount: seg.El(7),
			})
		case "STC":
			parts := strings.Split(seg.El(1), string(d.Component))
			cs := ClaimStatus{Category: parts[0], Description: ClaimStatusCategory(parts[0]), Date: seg.El(2), Amount: seg.El(4)}
			if len(parts) > 1 {
				cs.StatusCode = parts[1]
			}
			c.ClaimStatuses = append(c.ClaimStatuses, cs)
		}
	}
	return c
}
