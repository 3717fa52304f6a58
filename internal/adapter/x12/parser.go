// Package x12 implements the X12 EDI adapter: structural validation,
// envelope construction, control number sequencing, acknowledgment handling
// and HTTPS transmission.
package x12

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Delimiters used to split an interchange.
type Delimiters struct {
	Element    byte
	Component  byte
	Segment    byte
	Repetition byte
}

// DefaultDelimiters are used for envelopes the gateway generates.
var DefaultDelimiters = Delimiters{Element: '*', Component: ':', Segment: '~', Repetition: '^'}

// isaLength is the fixed width of an ISA segment including its terminator.
const isaLength = 106

// Segment is one X12 segment split into elements; Segment[0] is the id.
type Segment []string

// ID returns the segment identifier.
func (s Segment) ID() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// El returns element i (1-based as in X12 notation), or "".
func (s Segment) El(i int) string {
	if i < len(s) {
		return strings.TrimSpace(s[i])
	}
	return ""
}

// TransactionSet is one ST..SE block.
type TransactionSet struct {
	Code          string    `json:"code"`
	ControlNumber string    `json:"control_number"`
	Version       string    `json:"version,omitempty"`
	Segments      []Segment `json:"-"`
	// TrailerCount and TrailerControl come from SE01 and SE02.
	TrailerCount   int    `json:"-"`
	TrailerControl string `json:"-"`
}

// Group is one GS..GE functional group.
type Group struct {
	FunctionalCode string           `json:"functional_code"`
	SenderID       string           `json:"sender_id"`
	ReceiverID     string           `json:"receiver_id"`
	ControlNumber  string           `json:"control_number"`
	Version        string           `json:"version,omitempty"`
	Sets           []TransactionSet `json:"sets"`
	TrailerCount   int              `json:"-"`
	TrailerControl string           `json:"-"`
}

// Interchange is a parsed ISA..IEA envelope. Bare transaction sets parse
// into an Interchange with Enveloped false and a single synthetic group.
type Interchange struct {
	Enveloped         bool       `json:"enveloped"`
	Delimiters        Delimiters `json:"-"`
	SenderQualifier   string     `json:"sender_qualifier,omitempty"`
	SenderID          string     `json:"sender_id,omitempty"`
	ReceiverQualifier string     `json:"receiver_qualifier,omitempty"`
	ReceiverID        string     `json:"receiver_id,omitempty"`
	Date              string     `json:"date,omitempty"`
	Time              string     `json:"time,omitempty"`
	ControlNumber     string     `json:"control_number,omitempty"`
	UsageIndicator    string     `json:"usage_indicator,omitempty"`
	Groups            []Group    `json:"groups"`
	// Segments outside any transaction set, e.g. TA1.
	Extra          []Segment `json:"-"`
	TrailerCount   int       `json:"-"`
	TrailerControl string    `json:"-"`
}

// Sets returns every transaction set across all groups.
func (ic *Interchange) Sets() []TransactionSet {
	var out []TransactionSet
	for _, g := range ic.Groups {
		out = append(out, g.Sets...)
	}
	return out
}

// detectDelimiters reads the separators from the fixed-width ISA header.
func detectDelimiters(data []byte) (Delimiters, error) {
	if len(data) < isaLength || !bytes.HasPrefix(data, []byte("ISA")) {
		return Delimiters{}, fmt.Errorf("interchange is shorter than an ISA header")
	}
	d := Delimiters{Element: data[3], Repetition: data[82], Component: data[104], Segment: data[105]}
	if d.Element == d.Segment || d.Element == d.Component {
		return Delimiters{}, fmt.Errorf("ambiguous delimiters in ISA header")
	}
	return d, nil
}

// Split breaks raw EDI into segments with the given delimiters, dropping
// line breaks some trading partners add after each terminator.
func Split(data []byte, d Delimiters) []Segment {
	var segs []Segment
	for _, raw := range bytes.Split(data, []byte{d.Segment}) {
		s := strings.Trim(string(raw), "\r\n\t ")
		if s == "" {
			continue
		}
		segs = append(segs, Segment(strings.Split(s, string(d.Element))))
	}
	return segs
}

// Parse reads an interchange or a bare transaction set. It returns an error
// only when the data cannot be segmented at all; structural problems are
// reported by Check.
func Parse(data []byte) (*Interchange, error) {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(data, []byte("ISA")):
		d, err := detectDelimiters(data)
		if err != nil {
			return nil, err
		}
		return build(Split(data, d), d, true)
	case bytes.HasPrefix(data, []byte("ST")):
		return build(Split(data, DefaultDelimiters), DefaultDelimiters, false)
	}
	return nil, fmt.Errorf("payload does not start with an ISA or ST segment")
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}

func build(segs []Segment, d Delimiters, enveloped bool) (*Interchange, error) {
	ic := &Interchange{Enveloped: enveloped, Delimiters: d, TrailerCount: -1}
	var group *Group
	var set *TransactionSet

	if !enveloped {
		ic.Groups = []Group{{TrailerCount: -1}}
		group = &ic.Groups[0]
	}

	for _, seg := range segs {
		if set != nil {
			set.Segments = append(set.Segments, seg)
		}
		switch seg.ID() {
		case "ISA":
			if len(seg) < 17 {
				return nil, fmt.Errorf("ISA segment has %d elements, want 16", len(seg)-1)
			}
			ic.SenderQualifier, ic.SenderID = seg.El(5), seg.El(6)
			ic.ReceiverQualifier, ic.ReceiverID = seg.El(7), seg.El(8)
			ic.Date, ic.Time = seg.El(9), seg.El(10)
			ic.ControlNumber = seg.El(13)
			ic.UsageIndicator = seg.El(15)
		case "GS":
			ic.Groups = append(ic.Groups, Group{
				FunctionalCode: seg.El(1), SenderID: seg.El(2), ReceiverID: seg.El(3),
				ControlNumber: seg.El(6), Version: seg.El(8), TrailerCount: -1,
			})
			group = &ic.Groups[len(ic.Groups)-1]
		case "ST":
			if group == nil {
				return nil, fmt.Errorf("ST segment outside a functional group")
			}
			group.Sets = append(group.Sets, TransactionSet{
				Code: seg.El(1), ControlNumber: seg.El(2), Version: seg.El(3),
				Segments: []Segment{seg}, TrailerCount: -1,
			})
			set = &group.Sets[len(group.Sets)-1]
		case "SE":
			if set == nil {
				return nil, fmt.Errorf("SE segment without a matching ST")
			}
			set.TrailerCount, set.TrailerControl = atoi(seg.El(1)), seg.El(2)
			set = nil
		case "GE":
			if group == nil {
				return nil, fmt.Errorf("GE segment without a matching GS")
			}
			group.TrailerCount, group.TrailerControl = atoi(seg.El(1)), seg.El(2)
			group = nil
		case "IEA":
			ic.TrailerCount, ic.TrailerControl = atoi(seg.El(1)), seg.El(2)
		default:
			if set == nil {
				ic.Extra = append(ic.Extra, seg)
			}
		}
	}
	if set != nil {
		return nil, fmt.Errorf("transaction set %s has no SE trailer", set.ControlNumber)
	}
	return ic, nil
}

// Check reports structural problems: missing trailers and segment or
// set counts that disagree with their trailers.
func (ic *Interchange) Check() []string {
	var errs []string
	if ic.Enveloped && ic.TrailerCount < 0 {
		errs = append(errs, "missing IEA trailer")
	}
	if ic.Enveloped && ic.TrailerCount >= 0 && ic.TrailerCount != len(ic.Groups) {
		errs = append(errs, fmt.Sprintf("IEA01 declares %d groups, found %d", ic.TrailerCount, len(ic.Groups)))
	}
	if len(ic.Sets()) == 0 {
		errs = append(errs, "no transaction sets")
	}
	for _, g := range ic.Groups {
		if ic.Enveloped && g.TrailerCount < 0 {
			errs = append(errs, fmt.Sprintf("group %s missing GE trailer", g.ControlNumber))
		}
		if ic.Enveloped && g.TrailerCount >= 0 && g.TrailerCount != len(g.Sets) {
			errs = append(errs, fmt.Sprintf("GE01 declares %d sets in group %s, found %d", g.TrailerCount, g.ControlNumber, len(g.Sets)))
		}
		for _, s := range g.Sets {
			if s.TrailerCount != len(s.Segments) {
				errs = append(errs, fmt.Sprintf("SE01 declares %d segments in set %s, found %d", s.TrailerCount, s.ControlNumber, len(s.Segments)))
			}
		}
	}
	return errs
}

// ControlMismatches reports header/trailer control numbers that disagree.
func (ic *Interchange) ControlMismatches() []string {
	var errs []string
	if ic.Enveloped && ic.TrailerControl != "" && atoi(ic.TrailerControl) != atoi(ic.ControlNumber) {
		errs = append(errs, fmt.Sprintf("ISA13 %s does not match IEA02 %s", ic.ControlNumber, ic.TrailerControl))
	}
	for _, g := range ic.Groups {
		if ic.Enveloped && g.TrailerControl != "" && atoi(g.TrailerControl) != atoi(g.ControlNumber) {
			errs = append(errs, fmt.Sprintf("GS06 %s does not match GE02 %s", g.ControlNumber, g.TrailerControl))
		}
		for _, s := range g.Sets {
			if s.TrailerControl != s.ControlNumber {
				errs = append(errs, fmt.Sprintf("ST02 %s does not match SE02 %s", s.ControlNumber, s.TrailerControl))
			}
		}
	}
	return errs
}

// Encode joins segments with the given delimiters, terminating each one.
func Encode(segs []Segment, d Delimiters) []byte {
	var buf bytes.Buffer
	for _, s := range segs {
		buf.WriteString(strings.Join(s, string(d.Element)))
		buf.WriteByte(d.Segment)
	}
	return buf.Bytes()
}
