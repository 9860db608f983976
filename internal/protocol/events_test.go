package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/medscribe/internal/protocol"
)

func TestParse_Transcript(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want protocol.Transcript
	}{
		{
			name: "partial patient",
			in:   `{"type":"partial","text":"my chest","speaker":"patient","session_id":"s1","turn_id":"t1"}`,
			want: protocol.Transcript{Text: "my chest", Speaker: protocol.RolePatient, SessionID: "s1", TurnID: "t1"},
		},
		{
			name: "final doctor without ids",
			in:   `{"type":"final","text":"how long?","speaker":"doctor"}`,
			want: protocol.Transcript{Final: true, Text: "how long?", Speaker: protocol.RoleDoctor},
		},
		{
			name: "unknown speaker",
			in:   `{"type":"final","text":"x","speaker":"nurse"}`,
			want: protocol.Transcript{Final: true, Text: "x", Speaker: protocol.RoleNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := protocol.Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got, ok := ev.(protocol.Transcript)
			if !ok {
				t.Fatalf("event type = %T, want Transcript", ev)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_ServerTimestamp(t *testing.T) {
	ev, err := protocol.Parse([]byte(`{"type":"final","text":"x","speaker":"patient","server_ts":"2025-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := ev.(protocol.Transcript).ServerTime; !got.Equal(want) {
		t.Errorf("ServerTime = %v, want %v", got, want)
	}
}

func TestParse_Suggestion(t *testing.T) {
	in := `{"type":"suggestion","items":[" When did it start? ","","Any fever?"],
		"analysis":{"risk":"high","emotion":"anxious","confidence":0.8},
		"source":"live_transcription","session_id":"s1","origin_turn_id":"t9"}`
	ev, err := protocol.Parse([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	s := ev.(protocol.Suggestion)
	if len(s.Items) != 2 || s.Items[0] != "When did it start?" || s.Items[1] != "Any fever?" {
		t.Errorf("Items = %q", s.Items)
	}
	if s.Analysis == nil || s.Analysis.Risk != "high" || s.Analysis.Confidence != 0.8 {
		t.Errorf("Analysis = %+v", s.Analysis)
	}
	if s.Source != "live_transcription" || s.SessionID != "s1" || s.OriginTurnID != "t9" {
		t.Errorf("metadata = %+v", s)
	}
}

func TestParse_QuestionResults(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.QuestionResult
	}{
		{
			`{"type":"question_sent_confirmation","question_id":"q1","message_saved":true}`,
			protocol.QuestionResult{QuestionID: "q1", Confirmed: true, MessageSaved: true},
		},
		{
			`{"type":"question_send_failed","question_id":"q2","message_saved":true,"patient_notified":false}`,
			protocol.QuestionResult{QuestionID: "q2", MessageSaved: true},
		},
		{
			`{"type":"question_send_failed","question_id":"q3","message_saved":false,"error":"db down"}`,
			protocol.QuestionResult{QuestionID: "q3", Error: "db down"},
		},
	}
	for _, tt := range tests {
		ev, err := protocol.Parse([]byte(tt.in))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tt.in, err)
		}
		if got := ev.(protocol.QuestionResult); got != tt.want {
			t.Errorf("got %+v, want %+v", got, tt.want)
		}
	}
}

func TestParse_History(t *testing.T) {
	in := `{"type":"initial_history","summary":"back pain","messages":[
		{"message_id":"m1","role":"user","content":"it hurts","timestamp":"2025-03-01T10:00:00Z",
		 "generated_questions":[{"question_id":"q1","text":" Where? "},{"text":"Since when?"}]},
		{"role":"assistant","content":"I see","timestamp":"10:01"}
	]}`
	ev, err := protocol.Parse([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	h := ev.(protocol.History)
	if h.Refresh || h.Summary != "back pain" || len(h.Messages) != 2 {
		t.Fatalf("history = %+v", h)
	}
	m := h.Messages[0]
	if m.Role != protocol.RolePatient || m.ID != "m1" || m.DisplayTime != "10:00" {
		t.Errorf("message 0 = %+v", m)
	}
	if len(m.GeneratedQuestions) != 2 || m.GeneratedQuestions[0].Text != "Where?" || m.GeneratedQuestions[1].ID != "q-m1-1" {
		t.Errorf("questions = %+v", m.GeneratedQuestions)
	}
	m = h.Messages[1]
	if m.Role != protocol.RoleDoctor || m.ID != "msg-10:01-1" || m.DisplayTime != "10:01" || !m.Timestamp.IsZero() {
		t.Errorf("message 1 = %+v", m)
	}
}

func TestParse_Misc(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
	}{
		{`{"type":"ping"}`, protocol.TypePing},
		{`{"type":"pong"}`, protocol.TypePong},
		{`{"type":"history_refresh","messages":[]}`, protocol.TypeHistoryRefresh},
		{`{"type":"new_message","message":{"role":"user","content":"hi"}}`, protocol.TypeNewMessage},
		{`{"type":"session_finalized","session_id":"s","questions_count":3}`, protocol.TypeSessionFinalized},
		{`{"type":"auto_suggestion"}`, protocol.TypeAutoSuggestion},
		{`{"type":"manual_suggestion","question":{"text":"q","message_id":"m"}}`, protocol.TypeManualSuggestion},
		{`{"type":"error","message":"boom"}`, protocol.TypeError},
	}
	for _, tt := range tests {
		ev, err := protocol.Parse([]byte(tt.in))
		if err != nil {
			t.Errorf("Parse(%s): %v", tt.in, err)
			continue
		}
		if ev.Type() != tt.wantType {
			t.Errorf("Parse(%s).Type() = %q, want %q", tt.in, ev.Type(), tt.wantType)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{``, protocol.ErrMalformed},
		{`not json`, protocol.ErrMalformed},
		{`[1,2]`, protocol.ErrMalformed},
		{`{"text":"no type"}`, protocol.ErrMalformed},
		{`{"type":7}`, protocol.ErrMalformed},
		{`{"type":"new_message"}`, protocol.ErrMalformed},
		{`{"type":"telemetry"}`, protocol.ErrUnknownType},
	}
	for _, tt := range tests {
		if _, err := protocol.Parse([]byte(tt.in)); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestParseMessages(t *testing.T) {
	for _, in := range []string{
		`[{"role":"user","content":"a"}]`,
		`{"messages":[{"role":"user","content":"a"}]}`,
	} {
		msgs, err := protocol.ParseMessages([]byte(in))
		if err != nil || len(msgs) != 1 || msgs[0].Content != "a" {
			t.Errorf("ParseMessages(%s) = %+v, %v", in, msgs, err)
		}
	}
	if _, err := protocol.ParseMessages([]byte(`{"patients":[]}`)); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("missing list: err = %v", err)
	}
}

func TestOutboundFrames(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		v    any
		want string
	}{
		{
			"request_suggestions minimal",
			protocol.NewRequestSuggestions("", true, "", ""),
			`{"type":"request_suggestions","rag_type":"standard","include_partial":true}`,
		},
		{
			"doctor_question",
			protocol.NewDoctorQuestion("Any fever?", "q1", "s1", ts),
			`{"type":"doctor_question","question":"Any fever?","question_id":"q1","session_id":"s1","timestamp":"2025-03-01T10:00:00Z"}`,
		},
		{
			"doctormessage keeps legacy keys",
			protocol.NewDoctorMessage("hi", "p1", "s1", ts),
			`{"type":"doctormessage","message":"hi","timestamp":"2025-03-01T10:00:00Z","patientid":"p1","sessionid":"s1"}`,
		},
		{
			"doctor_reply",
			protocol.NewDoctorReply("rest", ""),
			`{"type":"doctor_reply","text":"rest"}`,
		},
		{"pong", protocol.NewPong(), `{"type":"pong"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.v)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("got  %s\nwant %s", b, tt.want)
			}
		})
	}
}

func TestRole(t *testing.T) {
	if protocol.ParseRole("User") != protocol.RolePatient {
		t.Error(`"User" should map to patient`)
	}
	if protocol.RolePatient.Other() != protocol.RoleDoctor || protocol.RoleNone.Other() != protocol.RoleNone {
		t.Error("Other mapping wrong")
	}
}
