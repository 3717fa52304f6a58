package x12

import (
	"fmt"
	"strconv"
	"strings"
)

// Acknowledgment codes shared by TA1, 997 and 999.
const (
	AckAccepted          = "A"
	AckAcceptedWithError = "E"
	AckPartial           = "P"
	AckRejected          = "R"
)

// SetAck is the acknowledgment of one transaction set (AK2 + IK5/AK5).
type SetAck struct {
	SetCode       string   `json:"set_code"`
	ControlNumber string   `json:"control_number"`
	Code          string   `json:"code"`
	Errors        []string `json:"errors,omitempty"`
}

// Acknowledgment is a parsed TA1, 997 or 999.
type Acknowledgment struct {
	Type   string   `json:"type"`
	Code   string   `json:"code"`
	Sets   []SetAck `json:"sets,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Rejected reports whether the acknowledgment refuses the interchange.
// Accepted-with-errors and partial acceptance on 997/999 count as
// rejection; a TA1 with errors still accepts the interchange.
func (a *Acknowledgment) Rejected() bool {
	switch a.Type {
	case "TA1":
		return a.Code == AckRejected
	default:
		return a.Code == AckRejected || a.Code == AckAcceptedWithError || a.Code == AckPartial
	}
}

// ReadAck extracts the acknowledgment carried by an interchange, if any.
func ReadAck(ic *Interchange) *Acknowledgment {
	for _, seg := range ic.Extra {
		if seg.ID() == "TA1" {
			ack := &Acknowledgment{Type: "TA1", Code: seg.El(4)}
			if note := seg.El(5); note != "" && note != "000" {
				ack.Errors = append(ack.Errors, "TA1 note "+note)
			}
			return ack
		}
	}
	for _, s := range ic.Sets() {
		if s.Code != "999" && s.Code != "997" {
			continue
		}
		ack := &Acknowledgment{Type: s.Code}
		var cur *SetAck
		for _, seg := range s.Segments {
			switch seg.ID() {
			case "AK2":
				ack.Sets = append(ack.Sets, SetAck{SetCode: seg.El(1), ControlNumber: seg.El(2)})
				cur = &ack.Sets[len(ack.Sets)-1]
			case "IK3", "AK3":
				msg := fmt.Sprintf("segment %s at position %s: error %s", seg.El(1), seg.El(2), seg.El(4))
				if cur != nil {
					cur.Errors = append(cur.Errors, msg)
				}
				ack.Errors = append(ack.Errors, msg)
			case "IK4", "AK4":
				msg := fmt.Sprintf("element %s: error %s", seg.El(1), seg.El(3))
				if cur != nil {
					cur.Errors = append(cur.Errors, msg)
				}
				ack.Errors = append(ack.Errors, msg)
			case "IK5", "AK5":
				if cur != nil {
					cur.Code = seg.El(1)
				}
			case "AK9":
				ack.Code = seg.El(1)
			}
		}
		return ack
	}
	return nil
}

// Build999 generates a 999 implementation acknowledgment for an inbound
// interchange. Each set is accepted unless errs names problems, in which
// case the whole group is rejected. The envelope identities are reversed
// from the inbound interchange by the caller.
func Build999(in *Interchange, errs []string, e Envelope) ([]byte, error) {
	if len(in.Groups) == 0 {
		return nil, fmt.Errorf("interchange has no functional group to acknowledge")
	}
	code := AckAccepted
	if len(errs) > 0 {
		code = AckRejected
	}
	d := DefaultDelimiters
	g := in.Groups[0]
	st := fmt.Sprintf("%04d", e.GSControl%10000)

	body := []Segment{
		{"ST", "999", st, setCatalog["999"].version},
		{"AK1", g.FunctionalCode, g.ControlNumber, g.Version},
	}
	for _, s := range g.Sets {
		body = append(body, Segment{"AK2", s.Code, s.ControlNumber, s.Version})
		for _, msg := range errs {
			body = append(body, Segment{"IK3", "", "", "", "8"}, Segment{"CTX", strings.ReplaceAll(msg, string(d.Element), " ")})
		}
		body = append(body, Segment{"IK5", code})
	}
	accepted := len(g.Sets)
	if code == AckRejected {
		accepted = 0
	}
	body = append(body, Segment{"AK9", code, strconv.Itoa(len(g.Sets)), strconv.Itoa(len(g.Sets)), strconv.Itoa(accepted)})
	body = append(body, Segment{"SE", strconv.Itoa(len(body) + 1), st})

	segs := []Segment{e.isa(d), e.gs("FA", setCatalog["999"].version)}
	segs = append(segs, body...)
	segs = append(segs,
		Segment{"GE", "1", strconv.FormatInt(e.GSControl, 10)},
		Segment{"IEA", "1", isaControl(e.ISAControl)},
	)
	return Encode(segs, d), nil
}
