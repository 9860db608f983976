package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/medscribe/internal/coordinator"
	"github.com/MrWong99/medscribe/internal/protocol"
)

// defaultGenerationPatient addresses the generator when no patient is
// selected, as the session-only client does.
const defaultGenerationPatient = "patient"

type generateBody struct {
	PatientInput    string             `json:"patient_input"`
	RagType         string             `json:"rag_type"`
	IncludePartial  bool               `json:"include_partial"`
	SessionID       string             `json:"session_id,omitempty"`
	SourceType      string             `json:"source_type,omitempty"`
	ContextType     string             `json:"context_type,omitempty"`
	CurrentAnalysis *protocol.Analysis `json:"current_analysis,omitempty"`

	GenerateQuestions      bool `json:"generate_questions,omitempty"`
	SaveQuestionsToMessage bool `json:"save_questions_to_message,omitempty"`
}

// Generate implements [coordinator.Generator] against the
// /chat/suggest/{patient} endpoint. Question requests carry the generation
// flags and the last analysis the backend returned; suggestion requests
// send only the input.
func (c *Client) Generate(ctx context.Context, req coordinator.Request) (coordinator.Result, error) {
	patient := c.Patient()
	if patient == "" {
		patient = defaultGenerationPatient
	}
	ragType := req.RagType
	if ragType == "" {
		ragType = protocol.RagStandard
	}

	body := generateBody{
		PatientInput:   strings.TrimSpace(req.Text),
		RagType:        ragType,
		IncludePartial: req.IncludePartial,
		SessionID:      req.SessionID,
	}
	if req.Questions {
		body.SourceType = req.Source
		body.GenerateQuestions = true
		body.SaveQuestionsToMessage = true
		if req.Mode != coordinator.ModeManual {
			body.ContextType = string(req.Mode)
		}
		c.mu.RLock()
		body.CurrentAnalysis = c.lastAnalysis
		c.mu.RUnlock()
	}

	raw, err := c.do(ctx, http.MethodPost, "/chat/suggest/"+url.PathEscape(patient), nil, body, nil, c.generationTimeout)
	if err != nil {
		return coordinator.Result{}, err
	}
	if !gjson.ValidBytes(raw) {
		return coordinator.Result{}, errors.New("api: generate: malformed response")
	}

	doc := gjson.ParseBytes(raw)
	listKey := "suggestions"
	if req.Questions {
		listKey = "questions"
	}
	items := doc.Get(listKey)
	if !items.Exists() {
		items = doc.Get("items")
	}
	res := coordinator.Result{Items: resultTexts(items)}
	if a := doc.Get("analysis"); a.IsObject() {
		res.Analysis = &protocol.Analysis{
			Risk:       a.Get("risk").String(),
			Emotion:    a.Get("emotion").String(),
			Confidence: a.Get("confidence").Float(),
		}
		c.mu.Lock()
		c.lastAnalysis = res.Analysis
		c.mu.Unlock()
	}
	return res, nil
}

// itemTexts extracts item texts from a raw JSON array.
func itemTexts(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	return resultTexts(gjson.ParseBytes(raw))
}

// resultTexts accepts an array of strings or of objects carrying the text
// under "text" or "question". Blank entries are dropped.
func resultTexts(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		var s string
		switch {
		case v.Type == gjson.String:
			s = v.String()
		case v.IsObject():
			s = v.Get("text").String()
			if s == "" {
				s = v.Get("question").String()
			}
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

var _ coordinator.Generator = (*Client)(nil)
