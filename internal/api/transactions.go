package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/pkg/pagination"
)

// submitRequest is the JSON body of POST /transactions. Payload may be a
// JSON document (FHIR resources) or a JSON string carrying text such as an
// X12 interchange or C-CDA XML; binary content goes in payload_base64.
type submitRequest struct {
	TransactionID string            `json:"transaction_id"`
	Type          string            `json:"type"`
	Direction     string            `json:"direction"`
	PartnerID     string            `json:"partner_id"`
	Network       string            `json:"network"`
	ParticipantID string            `json:"participant_id"`
	ContentType   string            `json:"content_type"`
	Payload       json.RawMessage   `json:"payload"`
	PayloadBase64 string            `json:"payload_base64"`
	Params        map[string]string `json:"params"`
	CorrelationID string            `json:"correlation_id"`
	MaxRetries    *int              `json:"max_retries"`
}

func (r *submitRequest) payload() ([]byte, error) {
	if r.PayloadBase64 != "" {
		if len(r.Payload) > 0 {
			return nil, interop.Validation("AMBIGUOUS_PAYLOAD", "send either payload or payload_base64, not both")
		}
		b, err := base64.StdEncoding.DecodeString(r.PayloadBase64)
		if err != nil {
			return nil, interop.Validation("INVALID_PAYLOAD", "payload_base64: %v", err)
		}
		return b, nil
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil, nil
	}
	if r.Payload[0] == '"' {
		var text string
		if err := json.Unmarshal(r.Payload, &text); err != nil {
			return nil, interop.Validation("INVALID_PAYLOAD", "payload: %v", err)
		}
		return []byte(text), nil
	}
	return r.Payload, nil
}

type submitResponse struct {
	TransactionID string         `json:"transaction_id"`
	Status        interop.Status `json:"status"`
	Location      string         `json:"location"`
}

func (s *Server) submit(c echo.Context) error {
	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return interop.Validation("INVALID_JSON", "%v", err)
	}
	payload, err := body.payload()
	if err != nil {
		return err
	}
	correlation := body.CorrelationID
	if correlation == "" {
		correlation, _ = c.Get("request_id").(string)
	}
	req := &interop.Request{
		TransactionID: body.TransactionID,
		Type:          interop.TransactionType(body.Type),
		Direction:     interop.Direction(body.Direction),
		PartnerID:     body.PartnerID,
		Network:       body.Network,
		ParticipantID: body.ParticipantID,
		ContentType:   body.ContentType,
		Payload:       payload,
		Params:        body.Params,
		CorrelationID: correlation,
		UserID:        auth.UserIDFromContext(c.Request().Context()),
		MaxRetries:    body.MaxRetries,
	}

	id, err := s.tx.Submit(c.Request().Context(), req)
	c.Set("transaction_id", id)
	c.Set("partner_id", req.PartnerID)
	if err != nil {
		// A recorded-then-failed submission still names its record.
		if id != "" {
			status, eb := render(err)
			eb.TransactionID = id
			return c.JSON(status, map[string]errorBody{"error": eb})
		}
		return err
	}
	return c.JSON(http.StatusAccepted, submitResponse{
		TransactionID: id,
		Status:        interop.StatusPending,
		Location:      "/api/v1/transactions/" + id,
	})
}

var listFilters = []string{"partner_id", "status", "type", "correlation_id"}

func (s *Server) list(c echo.Context) error {
	params := map[string]string{}
	for _, f := range listFilters {
		if v := c.QueryParam(f); v != "" {
			params[f] = v
		}
	}
	if st, ok := params["status"]; ok && !interop.Status(st).Valid() {
		return interop.Validation("INVALID_STATUS", "unknown status %q", st)
	}
	pg := pagination.FromContext(c)
	recs, total, err := s.tx.List(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*interop.Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (s *Server) get(c echo.Context) error {
	id := c.Param("id")
	c.Set("transaction_id", id)
	rec, err := s.tx.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) history(c echo.Context) error {
	id := c.Param("id")
	c.Set("transaction_id", id)
	entries, err := s.tx.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []interop.HistoryEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"transaction_id": id, "entries": entries})
}

func (s *Server) cancel(c echo.Context) error {
	id := c.Param("id")
	c.Set("transaction_id", id)
	rec, err := s.tx.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) refreshDirectory(c echo.Context) error {
	n := s.directory.Refresh(c.Request().Context())
	s.logger.Info().Int("evicted", n).Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Msg("directory refresh requested")
	return c.JSON(http.StatusOK, map[string]int{"evicted": n})
}

type acknowledgeRequest struct {
	PartnerID string `json:"partner_id"`
	Payload   string `json:"payload"`
}

// acknowledge accepts an inbound interchange and answers with its 999. A
// client asking for application/edi-x12 gets the bare acknowledgment.
func (s *Server) acknowledge(c echo.Context) error {
	var body acknowledgeRequest
	if err := c.Bind(&body); err != nil {
		return interop.Validation("INVALID_JSON", "%v", err)
	}
	if body.PartnerID == "" {
		return interop.Validation("PARTNER_REQUIRED", "partner_id is required")
	}
	if body.Payload == "" {
		return interop.Validation("PAYLOAD_REQUIRED", "payload is required")
	}
	c.Set("partner_id", body.PartnerID)
	in, err := s.ack.Acknowledge(c.Request().Context(), body.PartnerID, []byte(body.Payload))
	if err != nil {
		return err
	}
	if c.Request().Header.Get(echo.HeaderAccept) == "application/edi-x12" {
		return c.Blob(http.StatusOK, "application/edi-x12", []byte(in.Ack))
	}
	return c.JSON(http.StatusOK, in)
}
