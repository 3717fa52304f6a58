package x12

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// setInfo describes a transaction set code's functional group and default
// implementation guide version.
type setInfo struct {
	functional string
	version    string
}

var setCatalog = map[string]setInfo{
	"270": {"HS", "005010X279A1"},
	"271": {"HB", "005010X279A1"},
	"276": {"HR", "005010X212"},
	"277": {"HN", "005010X212"},
	"278": {"HI", "005010X217"},
	"835": {"HP", "005010X221A1"},
	"837": {"HC", "005010X222A1"},
	"999": {"FA", "005010X231A1"},
	"997": {"FA", "005010"},
}

// FunctionalCode returns the GS01 code for a transaction set code.
func FunctionalCode(setCode string) string {
	return setCatalog[setCode].functional
}

// Envelope carries the identities and control numbers for a generated
// ISA/GS wrapper.
type Envelope struct {
	SenderQualifier   string
	SenderID          string
	ReceiverQualifier string
	ReceiverID        string
	GSSenderID        string
	GSReceiverID      string
	ISAControl        int64
	GSControl         int64
	Usage             string
	AckRequested      bool
	Now               time.Time
}

func pad(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func isaControl(n int64) string { return fmt.Sprintf("%09d", n) }

func (e Envelope) isa(d Delimiters) Segment {
	ack := "0"
	if e.AckRequested {
		ack = "1"
	}
	usage := e.Usage
	if usage == "" {
		usage = "P"
	}
	sq, rq := e.SenderQualifier, e.ReceiverQualifier
	if sq == "" {
		sq = "ZZ"
	}
	if rq == "" {
		rq = "ZZ"
	}
	return Segment{
		"ISA", "00", pad("", 10), "00", pad("", 10),
		pad(sq, 2), pad(e.SenderID, 15), pad(rq, 2), pad(e.ReceiverID, 15),
		e.Now.Format("060102"), e.Now.Format("1504"),
		string(d.Repetition), "00501", isaControl(e.ISAControl), ack, usage, string(d.Component),
	}
}

func (e Envelope) gs(functional, version string) Segment {
	sender, receiver := e.GSSenderID, e.GSReceiverID
	if sender == "" {
		sender = strings.TrimSpace(e.SenderID)
	}
	if receiver == "" {
		receiver = strings.TrimSpace(e.ReceiverID)
	}
	return Segment{
		"GS", functional, sender, receiver,
		e.Now.Format("20060102"), e.Now.Format("1504"),
		strconv.FormatInt(e.GSControl, 10), "X", version,
	}
}

// Wrap encloses bare transaction sets in one ISA/GS envelope. All sets must
// share a functional group.
func Wrap(bare *Interchange, e Envelope) ([]byte, error) {
	sets := bare.Sets()
	if len(sets) == 0 {
		return nil, fmt.Errorf("no transaction sets to wrap")
	}
	info, ok := setCatalog[sets[0].Code]
	if !ok {
		return nil, fmt.Errorf("unknown transaction set %s", sets[0].Code)
	}
	for _, s := range sets[1:] {
		if setCatalog[s.Code].functional != info.functional {
			return nil, fmt.Errorf("sets %s and %s belong to different functional groups", sets[0].Code, s.Code)
		}
	}
	version := sets[0].Version
	if version == "" {
		version = info.version
	}

	d := DefaultDelimiters
	segs := []Segment{e.isa(d), e.gs(info.functional, version)}
	for _, s := range sets {
		segs = append(segs, s.Segments...)
	}
	segs = append(segs,
		Segment{"GE", strconv.Itoa(len(sets)), strconv.FormatInt(e.GSControl, 10)},
		Segment{"IEA", "1", isaControl(e.ISAControl)},
	)
	return Encode(segs, d), nil
}
