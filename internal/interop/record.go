package interop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Request is the immutable input accepted by the gateway.
type Request struct {
	TransactionID string            `json:"transaction_id"`
	Type          TransactionType   `json:"type"`
	Direction     Direction         `json:"direction"`
	PartnerID     string            `json:"partner_id,omitempty"`
	Network       string            `json:"network,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	MaxRetries    *int              `json:"max_retries,omitempty"`
}

// Param returns a named adapter parameter or "".
func (r *Request) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// PayloadHash is the hex sha256 of the payload, or "" for an empty payload.
func (r *Request) PayloadHash() string {
	if len(r.Payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(r.Payload)
	return hex.EncodeToString(sum[:])
}

// Artifact is the protocol-specific output attached to a record at completion.
// The gateway stores and forwards it without interpreting clinical content.
type Artifact struct {
	Kind        string          `json:"kind"`
	ContentType string          `json:"content_type,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewArtifact marshals v into an artifact of the given kind.
func NewArtifact(kind string, v any) (*Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Artifact{Kind: kind, ContentType: "application/json", Data: data}, nil
}

// Record is the mutable lifecycle object owned by the state machine.
type Record struct {
	ID               string          `db:"id" json:"id"`
	TransactionID    string          `db:"transaction_id" json:"transaction_id"`
	Type             TransactionType `db:"type" json:"type"`
	Direction        Direction       `db:"direction" json:"direction"`
	Status           Status          `db:"status" json:"status"`
	PartnerID        string          `db:"partner_id" json:"partner_id,omitempty"`
	Network          string          `db:"network" json:"network,omitempty"`
	ParticipantID    string          `db:"participant_id" json:"participant_id,omitempty"`
	PayloadHash      string          `db:"payload_hash" json:"payload_hash,omitempty"`
	ContentType      string          `db:"content_type" json:"content_type,omitempty"`
	RequestURL       string          `db:"request_url" json:"request_url,omitempty"`
	RequestMethod    string          `db:"request_method" json:"request_method,omitempty"`
	ResponseCode     int             `db:"response_code" json:"response_code,omitempty"`
	ResponseMessage  string          `db:"response_message" json:"response_message,omitempty"`
	ErrorCode        string          `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage     string          `db:"error_message" json:"error_message,omitempty"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	MaxRetries       int             `db:"max_retries" json:"max_retries"`
	TimeoutRetries   int             `db:"timeout_retries" json:"timeout_retries"`
	InitiatedAt      time.Time       `db:"initiated_at" json:"initiated_at"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	ProcessingTimeMs int64           `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	UserID           string          `db:"user_id" json:"user_id,omitempty"`
	CorrelationID    string          `db:"correlation_id" json:"correlation_id,omitempty"`
	Artifact         *Artifact       `db:"artifact" json:"artifact,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Artifact != nil {
		a := *r.Artifact
		a.Data = append(json.RawMessage(nil), r.Artifact.Data...)
		c.Artifact = &a
	}
	return &c
}

// HistoryEntry is one append-only status transition.
type HistoryEntry struct {
	ID            string    `db:"id" json:"id"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	FromStatus    Status    `db:"from_status" json:"from_status,omitempty"`
	ToStatus      Status    `db:"to_status" json:"to_status"`
	RetryCount    int       `db:"retry_count" json:"retry_count"`
	ResponseCode  int       `db:"response_code" json:"response_code,omitempty"`
	ErrorCode     string    `db:"error_code" json:"error_code,omitempty"`
	Message       string    `db:"message" json:"message,omitempty"`
	PartnerID     string    `db:"partner_id" json:"partner_id,omitempty"`
	RecordedAt    time.Time `db:"recorded_at" json:"recorded_at"`
}

// Result is what an adapter reports back for one attempt. Err is nil on success
// and otherwise always an *Error.
type Result struct {
	ResponseCode    int
	ResponseMessage string
	RequestURL      string
	RequestMethod   string
	Artifact        *Artifact
	Err             error
}

// Succeeded reports whether the attempt completed without error.
func (r Result) Succeeded() bool {
	return r.Err == nil
}
