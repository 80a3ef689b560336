package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(DocumentIngested{DocumentID: "doc-1", Source: "upload"})
	env := Envelope{
		EventID:    "evt-1",
		EventType:  EventDocumentIngested,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.EventID != "evt-1" || decoded.EventType != EventDocumentIngested {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	var di DocumentIngested
	if err := json.Unmarshal(decoded.Data, &di); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if di.DocumentID != "doc-1" || di.Source != "upload" {
		t.Fatalf("unexpected payload: %+v", di)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	cases := []Envelope{
		{EventType: EventDocumentIngested, Data: []byte(`{}`)},
		{EventID: "evt-1", Data: []byte(`{}`)},
		{EventID: "evt-1", EventType: EventDocumentIngested},
	}
	for i, env := range cases {
		if err := env.ValidateBasic(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error")
	}
}
