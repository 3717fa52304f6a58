package document

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CCDAType string

const (
	CCDAContinuityOfCare   CCDAType = "ccd"
	CCDADischargeSummary   CCDAType = "discharge_summary"
	CCDAProgressNote       CCDAType = "progress_note"
	CCDAHistoryAndPhysical CCDAType = "history_and_physical"
	CCDAConsultationNote   CCDAType = "consultation_note"
	CCDAOperativeNote      CCDAType = "operative_note"
	CCDAProcedureNote      CCDAType = "procedure_note"
	CCDAReferralNote       CCDAType = "referral_note"
	CCDATransferSummary    CCDAType = "transfer_summary"
	CCDACarePlan           CCDAType = "care_plan"
	CCDAUnstructured       CCDAType = "unstructured"
)

// loincDocumentTypes maps ClinicalDocument/code LOINC codes to document types.
var loincDocumentTypes = map[string]CCDAType{
	"34133-9": CCDAContinuityOfCare,
	"18842-5": CCDADischargeSummary,
	"11506-3": CCDAProgressNote,
	"34117-2": CCDAHistoryAndPhysical,
	"11488-4": CCDAConsultationNote,
	"11504-8": CCDAOperativeNote,
	"28570-0": CCDAProcedureNote,
	"57133-1": CCDAReferralNote,
	"18761-7": CCDATransferSummary,
	"18776-5": CCDACarePlan,
}

// TypeForLOINC returns the document type for a LOINC document code.
func TypeForLOINC(code string) CCDAType {
	if t, ok := loincDocumentTypes[code]; ok {
		return t
	}
	return CCDAUnstructured
}

type ExchangeStatus string

const (
	ExchangeLocal       ExchangeStatus = "local"
	ExchangeShared      ExchangeStatus = "shared"
	ExchangeReceived    ExchangeStatus = "received"
	ExchangePendingSend ExchangeStatus = "pending_send"
	ExchangeSendFailed  ExchangeStatus = "send_failed"
)

// CCDADocument maps to the ccda_document table. Only the reference and
// exchange metadata are kept; content stays with the document source.
type CCDADocument struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	DocumentID     string         `db:"document_id" json:"document_id"`
	DocumentType   CCDAType       `db:"document_type" json:"document_type"`
	PatientID      string         `db:"patient_id" json:"patient_id,omitempty"`
	Title          string         `db:"title" json:"title,omitempty"`
	ContentHash    string         `db:"content_hash" json:"content_hash"`
	SizeBytes      int64          `db:"size_bytes" json:"size_bytes"`
	MimeType       string         `db:"mime_type" json:"mime_type"`
	ExchangeStatus ExchangeStatus `db:"exchange_status" json:"exchange_status"`
	SourceNetwork  string         `db:"source_network" json:"source_network,omitempty"`
	TransactionID  string         `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

type X12Type string

const (
	X12EligibilityInquiry  X12Type = "x270_eligibility_inquiry"
	X12EligibilityResponse X12Type = "x271_eligibility_response"
	X12ClaimStatusRequest  X12Type = "x276_claim_status_request"
	X12ClaimStatusResponse X12Type = "x277_claim_status_response"
	X12PriorAuthRequest    X12Type = "x278_prior_auth_request"
	X12PriorAuthResponse   X12Type = "x278_prior_auth_response"
	X12PaymentRemittance   X12Type = "x835_payment_remittance"
	X12ProfessionalClaim   X12Type = "x837_professional_claim"
	X12InstitutionalClaim  X12Type = "x837_institutional_claim"
	X12DentalClaim         X12Type = "x837_dental_claim"
	X12ImplementationAck   X12Type = "x999_acknowledgment"
	X12FunctionalAck       X12Type = "x997_acknowledgment"
	X12InterchangeAck      X12Type = "ta1_acknowledgment"
)

type X12Status string

const (
	X12Received   X12Status = "received"
	X12Validated  X12Status = "validated"
	X12Processing X12Status = "processing"
	X12Completed  X12Status = "completed"
	X12Rejected   X12Status = "rejected"
	X12Error      X12Status = "error"
)

// X12Transaction maps to the x12_transaction table.
type X12Transaction struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	TransactionSetID   string          `db:"transaction_set_id" json:"transaction_set_id"`
	Type               X12Type         `db:"type" json:"type"`
	ISAControlNumber   string          `db:"isa_control_number" json:"isa_control_number"`
	GSControlNumber    string          `db:"gs_control_number" json:"gs_control_number"`
	STControlNumber    string          `db:"st_control_number" json:"st_control_number"`
	SenderID           string          `db:"sender_id" json:"sender_id"`
	SenderQualifier    string          `db:"sender_qualifier" json:"sender_qualifier,omitempty"`
	ReceiverID         string          `db:"receiver_id" json:"receiver_id"`
	ReceiverQualifier  string          `db:"receiver_qualifier" json:"receiver_qualifier,omitempty"`
	RawContent         string          `db:"raw_content" json:"raw_content"`
	ParsedContent      json.RawMessage `db:"parsed_content" json:"parsed_content,omitempty"`
	Status             X12Status       `db:"status" json:"status"`
	AcknowledgmentCode string          `db:"acknowledgment_code" json:"acknowledgment_code,omitempty"`
	Errors             []string        `db:"errors" json:"errors,omitempty"`
	InterchangeDate    *time.Time      `db:"interchange_date" json:"interchange_date,omitempty"`
	TransactionID      string          `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}
