package protocol

import (
	"reflect"
	"testing"
)

func TestParseNumericFields(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
		want Message
	}{
		{
			"whole float coordinates",
			Build(TypePositionUpdate, Map{"username": "bob", "map_id": int64(3), "x": float64(4), "y": int64(5)}),
			&PositionUpdate{Username: "bob", PositionState: PositionState{MapID: 3, X: 4, Y: 5}},
		},
		{
			"player left by id only",
			Build(TypePlayerLeft, Map{"id": "p-9"}),
			&PlayerLeft{ID: "p-9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParser().Parse(tt.env)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Parse = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseLinePlayerList(t *testing.T) {
	frame, err := Serialize(NewPlayerList([]Player{
		{ID: "a", Username: "ann", MapID: 2, X: 1, Y: 1},
		{ID: "b", Username: "bob", MapID: 2, X: 5, Y: 7, Charset: "hero"},
	}))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	in, err := NewParser().ParseLine(string(frame))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	list, ok := in.Message.(*PlayerList)
	if !ok {
		t.Fatalf("Message is %T, want *PlayerList", in.Message)
	}
	if len(list.Players) != 2 || list.Players[1].Charset != "hero" || list.Players[1].Y != 7 {
		t.Fatalf("Players = %+v", list.Players)
	}
	if in.Envelope.Type != TypePlayerList {
		t.Errorf("Envelope.Type = %s", in.Envelope.Type)
	}
}

func TestParseLineMalformed(t *testing.T) {
	if _, err := NewParser().ParseLine("{type: "); err == nil {
		t.Fatal("expected an error for a truncated frame")
	}
}
