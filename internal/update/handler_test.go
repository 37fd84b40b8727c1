package update

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/protocol"
)

func newTestHandler(t *testing.T, ids ...string) (*Handler, *participant.Registry) {
	t.Helper()
	reg := participant.NewRegistry(nil, participant.DefaultOptions())
	for _, id := range ids {
		if err := reg.Bind(id, id, "k"+id); err != nil {
			t.Fatalf("bind %s: %v", id, err)
		}
	}
	return NewHandler(reg, 4), reg
}

func TestApplySpeaking(t *testing.T) {
	h, reg := newTestHandler(t, "Steve", "Alex", "Zed")
	if err := reg.SetMuted("Alex", true); err != nil {
		t.Fatalf("mute: %v", err)
	}

	ack, err := h.Apply(context.Background(), []protocol.PlayerState{
		{PlayerID: "Steve", DimensionID: "overworld", Location: protocol.Vector3{Y: 64}},
		{PlayerID: "Herobrine", DimensionID: "overworld"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := len(ack.SpeakingPlayers); got != 2 || ack.SpeakingPlayers[0] != "Steve" || ack.SpeakingPlayers[1] != "Zed" {
		t.Fatalf("expected [Steve Zed], got %v", ack.SpeakingPlayers)
	}
	if ack.Applied != 1 || len(ack.Unknown) != 1 {
		t.Fatalf("unexpected ack counts: %+v", ack)
	}

	s, _ := reg.Get("Steve")
	if s.Position.Location.Y != 64 {
		t.Fatalf("position not applied")
	}
	if st := h.Stats(); st.Cycles != 1 || st.LastBatchSize != 2 || st.LastSpeaking != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDeadPlayerSilenced(t *testing.T) {
	h, _ := newTestHandler(t, "Steve")
	ack, err := h.Apply(context.Background(), []protocol.PlayerState{{PlayerID: "Steve", IsDead: true}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(ack.SpeakingPlayers) != 0 {
		t.Fatalf("dead player with death effect should be silent, got %v", ack.SpeakingPlayers)
	}
}

func TestInvalidBatchNotApplied(t *testing.T) {
	cases := map[string]protocol.PlayerState{
		"empty id":   {PlayerID: ""},
		"nan x":      {PlayerID: "Alex", Location: protocol.Vector3{X: math.NaN()}},
		"inf yaw":    {PlayerID: "Alex", Rotation: math.Inf(1)},
		"echo high":  {PlayerID: "Alex", EchoFactor: 1.5},
		"echo below": {PlayerID: "Alex", EchoFactor: -0.1},
	}
	for name, bad := range cases {
		h, reg := newTestHandler(t, "Steve", "Alex")
		_, err := h.Apply(context.Background(), []protocol.PlayerState{
			{PlayerID: "Steve", Location: protocol.Vector3{X: 9}},
			bad,
		})
		if !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("%s: expected ErrInvalidBatch, got %v", name, err)
		}
		if s, _ := reg.Get("Steve"); s.Position.Location.X != 0 {
			t.Fatalf("%s: batch partially applied", name)
		}
		if h.Stats().Rejected != 1 {
			t.Fatalf("%s: rejection not counted", name)
		}
	}
}

func TestBatchLimit(t *testing.T) {
	h, _ := newTestHandler(t)
	batch := make([]protocol.PlayerState, 5)
	for i := range batch {
		batch[i].PlayerID = "p"
	}
	if _, err := h.Apply(context.Background(), batch); !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("expected oversized batch to be rejected, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	h, reg := newTestHandler(t, "Steve")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Apply(ctx, []protocol.PlayerState{{PlayerID: "Steve", Location: protocol.Vector3{X: 3}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s, _ := reg.Get("Steve"); !s.UpdatedAt.IsZero() {
		t.Fatalf("cancelled batch was applied")
	}
}
