package dispatch

import (
	"time"

	"github.com/ehr/interop/internal/interop"
)

const defaultTimeout = 30 * time.Second

// Timeouts bounds a single adapter attempt by transaction type. Interactive
// FHIR reads get the shortest deadline; batches and X12 the longest.
type Timeouts struct {
	FHIRRead  time.Duration
	FHIRWrite time.Duration
	FHIRBatch time.Duration
	X12       time.Duration
	Document  time.Duration
	Direct    time.Duration
	Network   time.Duration
}

// For returns the deadline for one attempt of t.
func (t Timeouts) For(tt interop.TransactionType) time.Duration {
	var d time.Duration
	switch tt {
	case interop.TypeFHIRRead, interop.TypeFHIRSearch:
		d = t.FHIRRead
	case interop.TypeFHIRCreate, interop.TypeFHIRUpdate, interop.TypeFHIRDelete:
		d = t.FHIRWrite
	case interop.TypeFHIRBatch:
		d = t.FHIRBatch
	default:
		switch tt.Family() {
		case interop.FamilyX12:
			d = t.X12
		case interop.FamilyCCDA:
			d = t.Document
		case interop.FamilyDirect:
			d = t.Direct
		case interop.FamilyNetwork:
			d = t.Network
		}
	}
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
