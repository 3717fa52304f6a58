package document

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("document: not found")
	// ErrOutOfSequence means a control number did not advance past the last
	// one seen for the partner: a duplicate or out-of-order interchange.
	ErrOutOfSequence = errors.New("document: control number out of sequence")
)

type Repository interface {
	SaveCCDA(ctx context.Context, d *CCDADocument) error
	GetCCDA(ctx context.Context, documentID string) (*CCDADocument, error)
	SaveX12(ctx context.Context, x *X12Transaction) error
	ListX12(ctx context.Context, transactionID string) ([]*X12Transaction, error)
}

// ControlSequence tracks ISA/GS control numbers per partner and direction.
type ControlSequence interface {
	// Next reserves the next outbound ISA and GS control numbers.
	Next(ctx context.Context, partnerID string) (isa, gs int64, err error)
	// Observe records control numbers seen on an interchange and returns
	// ErrOutOfSequence unless both exceed the last recorded values.
	Observe(ctx context.Context, partnerID, direction string, isa, gs int64) error
}
