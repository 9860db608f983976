package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MrWong99/medscribe/internal/protocol"
)

// Patient is one entry of the doctor's patient list.
type Patient struct {
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	Status      string `json:"status"`
	UnreadCount int    `json:"unread_count"`
	LastMessage string `json:"last_message"`
}

// Key returns the identifier used to address the patient.
func (p Patient) Key() string {
	if p.PatientID != "" {
		return p.PatientID
	}
	return p.ID
}

// FetchChatHistory returns the stored conversation of user, oldest first.
func (c *Client) FetchChatHistory(ctx context.Context, user string) ([]protocol.ChatMessage, error) {
	if user == "" {
		return nil, ErrNoPatient
	}
	raw, err := c.do(ctx, http.MethodGet, "/chat/history/"+url.PathEscape(user), nil, nil, nil, c.timeout)
	if err != nil {
		return nil, err
	}
	msgs, err := protocol.ParseMessages(raw)
	if err != nil {
		return nil, fmt.Errorf("api: chat history: %w", err)
	}
	return msgs, nil
}

// FetchPatients returns the active patients. When that list is empty or
// unavailable it falls back to the plain list of known patient ids.
func (c *Client) FetchPatients(ctx context.Context) ([]Patient, error) {
	var active []Patient
	_, err := c.do(ctx, http.MethodGet, "/patients/active", nil, nil, &active, c.timeout)
	if err == nil && len(active) > 0 {
		return active, nil
	}
	if err != nil {
		slog.Debug("api: active patients unavailable, using basic list", "err", err)
	}

	var basic struct {
		Patients []string `json:"patients"`
	}
	if _, berr := c.do(ctx, http.MethodGet, "/patients", nil, nil, &basic, c.timeout); berr != nil {
		return nil, errors.Join(err, berr)
	}
	out := make([]Patient, 0, len(basic.Patients))
	for _, id := range basic.Patients {
		out = append(out, Patient{ID: id, PatientID: id, Status: "gray"})
	}
	return out, nil
}

// AppendPatientMessage stores a message typed by the patient.
func (c *Client) AppendPatientMessage(ctx context.Context, patientID, message string) error {
	if patientID == "" {
		return ErrNoPatient
	}
	body := struct {
		PatientID string `json:"patient_id"`
		Message   string `json:"message"`
	}{patientID, message}
	_, err := c.do(ctx, http.MethodPost, "/append_message", nil, body, nil, c.timeout)
	return err
}

// SendDoctorReply stores the doctor's reply in the patient's conversation.
func (c *Client) SendDoctorReply(ctx context.Context, patientID, reply string) error {
	if patientID == "" {
		return ErrNoPatient
	}
	body := struct {
		PatientID   string `json:"patient_id"`
		DoctorReply string `json:"doctor_reply"`
	}{patientID, reply}
	_, err := c.do(ctx, http.MethodPost, "/send_doctor_reply", nil, body, nil, c.timeout)
	return err
}

// ChatResponse is the answer of the retrieval-augmented chat endpoint.
type ChatResponse struct {
	Suggestions []string
	Context     string
	QAPairs     []json.RawMessage
	Analysis    *protocol.Analysis
}

// Chat asks the backend for reply suggestions to message using the given
// retrieval mode.
func (c *Client) Chat(ctx context.Context, message, patientID, ragType string) (ChatResponse, error) {
	if patientID == "" {
		return ChatResponse{}, ErrNoPatient
	}
	if ragType == "" {
		ragType = protocol.RagStandard
	}
	body := struct {
		Message   string `json:"message"`
		PatientID string `json:"patient_id"`
	}{message, patientID}

	var resp struct {
		Response    json.RawMessage    `json:"response"`
		ContextUsed string             `json:"context_used"`
		QAPairs     []json.RawMessage  `json:"rag_qa_pairs"`
		Analysis    *protocol.Analysis `json:"analysis"`
	}
	raw, err := c.do(ctx, http.MethodPost, "/chat", url.Values{"rag_type": {ragType}}, body, nil, c.generationTimeout)
	if err != nil {
		return ChatResponse{}, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ChatResponse{}, fmt.Errorf("api: chat: decode: %w", err)
	}
	return ChatResponse{
		Suggestions: itemTexts(resp.Response),
		Context:     resp.ContextUsed,
		QAPairs:     resp.QAPairs,
		Analysis:    resp.Analysis,
	}, nil
}
