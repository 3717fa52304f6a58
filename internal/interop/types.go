// Package interop defines the canonical transaction model shared by the
// gateway's state machine, dispatcher and protocol adapters.
package interop

// TransactionType identifies the exchange a transaction performs.
type TransactionType string

const (
	TypeFHIRRead   TransactionType = "fhir_read"
	TypeFHIRSearch TransactionType = "fhir_search"
	TypeFHIRCreate TransactionType = "fhir_create"
	TypeFHIRUpdate TransactionType = "fhir_update"
	TypeFHIRDelete TransactionType = "fhir_delete"
	TypeFHIRBatch  TransactionType = "fhir_batch"

	TypeX12Eligibility         TransactionType = "x12_270_eligibility"
	TypeX12EligibilityResponse TransactionType = "x12_271_eligibility_response"
	TypeX12ClaimStatus         TransactionType = "x12_276_claim_status"
	TypeX12ClaimStatusResponse TransactionType = "x12_277_claim_status_response"
	TypeX12PriorAuth           TransactionType = "x12_278_prior_auth"
	TypeX12Payment             TransactionType = "x12_835_payment"
	TypeX12Claim               TransactionType = "x12_837_claim"

	TypeCCDAQuery    TransactionType = "ccda_query"
	TypeCCDARetrieve TransactionType = "ccda_retrieve"
	TypeCCDASubmit   TransactionType = "ccda_submit"

	TypeDirectSend    TransactionType = "direct_message_send"
	TypeDirectReceive TransactionType = "direct_message_receive"

	TypeTEFCAQuery          TransactionType = "tefca_query"
	TypeTEFCARetrieve       TransactionType = "tefca_retrieve"
	TypeTEFCAResponse       TransactionType = "tefca_response"
	TypeCarequalityQuery    TransactionType = "carequality_query"
	TypeCarequalityRetrieve TransactionType = "carequality_retrieve"
	TypeCommonWellLink      TransactionType = "commonwell_link"
	TypeCommonWellQuery     TransactionType = "commonwell_query"
	TypeCommonWellRetrieve  TransactionType = "commonwell_retrieve"
)

// Family groups transaction types by the protocol adapter that serves them.
type Family string

const (
	FamilyFHIR    Family = "fhir"
	FamilyX12     Family = "x12"
	FamilyCCDA    Family = "ccda"
	FamilyDirect  Family = "direct"
	FamilyNetwork Family = "network"
)

var typeFamilies = map[TransactionType]Family{
	TypeFHIRRead:   FamilyFHIR,
	TypeFHIRSearch: FamilyFHIR,
	TypeFHIRCreate: FamilyFHIR,
	TypeFHIRUpdate: FamilyFHIR,
	TypeFHIRDelete: FamilyFHIR,
	TypeFHIRBatch:  FamilyFHIR,

	TypeX12Eligibility:         FamilyX12,
	TypeX12EligibilityResponse: FamilyX12,
	TypeX12ClaimStatus:         FamilyX12,
	TypeX12ClaimStatusResponse: FamilyX12,
	TypeX12PriorAuth:           FamilyX12,
	TypeX12Payment:             FamilyX12,
	TypeX12Claim:               FamilyX12,

	TypeCCDAQuery:    FamilyCCDA,
	TypeCCDARetrieve: FamilyCCDA,
	TypeCCDASubmit:   FamilyCCDA,

	TypeDirectSend:    FamilyDirect,
	TypeDirectReceive: FamilyDirect,

	TypeTEFCAQuery:          FamilyNetwork,
	TypeTEFCARetrieve:       FamilyNetwork,
	TypeTEFCAResponse:       FamilyNetwork,
	TypeCarequalityQuery:    FamilyNetwork,
	TypeCarequalityRetrieve: FamilyNetwork,
	TypeCommonWellLink:      FamilyNetwork,
	TypeCommonWellQuery:     FamilyNetwork,
	TypeCommonWellRetrieve:  FamilyNetwork,
}

// Family returns the protocol family for t, or "" when t is unknown.
func (t TransactionType) Family() Family {
	return typeFamilies[t]
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	_, ok := typeFamilies[t]
	return ok
}

// Network returns the federated network a network-family type belongs to.
func (t TransactionType) Network() string {
	switch t {
	case TypeTEFCAQuery, TypeTEFCARetrieve, TypeTEFCAResponse:
		return "tefca"
	case TypeCarequalityQuery, TypeCarequalityRetrieve:
		return "carequality"
	case TypeCommonWellLink, TypeCommonWellQuery, TypeCommonWellRetrieve:
		return "commonwell"
	}
	return ""
}

// Direction of a transaction relative to the gateway.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the lifecycle state of a transaction record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the seven lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusTimeout, StatusCancelled, StatusRetrying:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout, StatusRetrying, StatusCancelled},
	StatusRetrying:   {StatusProcessing, StatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
// pending -> failed covers requests rejected by structural validation.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
