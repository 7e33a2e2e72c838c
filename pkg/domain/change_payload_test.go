package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

type failingPayload struct{}

func (failingPayload) MarshalJSON() ([]byte, error) {
	return nil, errors.New("marshal failure")
}

func TestChangePayloadDefined(t *testing.T) {
	undefined := UndefinedChangePayload()
	if undefined.Defined() {
		t.Fatalf("expected undefined payload to be not defined")
	}
	if undefined.Raw() != nil {
		t.Fatalf("expected undefined payload to return nil raw bytes")
	}

	raw := json.RawMessage(`{"id":42}`)
	defined := NewChangePayload(raw)
	if !defined.Defined() {
		t.Fatalf("expected raw payload to be defined")
	}
	raw[2] = 'X'
	if got := string(defined.Raw()); got != `{"id":42}` {
		t.Fatalf("payload must not alias caller bytes, got %s", got)
	}
}

func TestChangePayloadFromValueRoundTrip(t *testing.T) {
	dev := Device{ID: 7, Owner: "alice", Status: StatusTesting, History: NewHistory(HistoryEntry{Status: StatusTesting, Sequence: 3})}
	payload, err := NewChangePayloadFromValue(dev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, ok := DecodeChangePayload[Device](payload)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if decoded.ID != 7 || decoded.Owner != "alice" || len(decoded.History) != 1 {
		t.Fatalf("unexpected decoded device %+v", decoded)
	}
	if _, ok := DecodeChangePayload[Device](UndefinedChangePayload()); ok {
		t.Fatalf("undefined payload must not decode")
	}
}

func TestChangePayloadFromValueError(t *testing.T) {
	if _, err := NewChangePayloadFromValue(failingPayload{}); err == nil {
		t.Fatalf("expected marshal error")
	}
}
