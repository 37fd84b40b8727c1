package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnrecognizedPacket is returned for a PacketId outside the known set.
	ErrUnrecognizedPacket = errors.New("unrecognized packet")
	// ErrMalformedPacket is returned when a body is not a valid envelope.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrPacketTooLarge is returned when a body exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet too large")
)

// Parser decodes MCComm request bodies into typed packets.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a new MCComm packet parser.
func NewParser() *Parser {
	return &Parser{
		logger: log.With().Str("component", "mccomm_parser").Logger(),
	}
}

// ReadPacket reads one request body from r, refusing anything larger than
// MaxPacketSize.
func ReadPacket(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPacketSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPacket)
	}
	return data, nil
}

// Parse decodes a raw envelope. The PacketId is read first and selects the
// variant; the body is then decoded into that variant only.
func (p *Parser) Parse(data []byte) (Packet, error) {
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	var envelope struct {
		ID *int `json:"PacketId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if envelope.ID == nil {
		return nil, fmt.Errorf("%w: missing PacketId", ErrMalformedPacket)
	}

	id := PacketType(*envelope.ID)
	pkt, ok := newPacket(id)
	if !ok {
		p.logger.Warn().
			Int("packet_id", *envelope.ID).
			Int("payload_len", len(data)).
			Msg("unknown packet id")
		return nil, fmt.Errorf("%w: %d", ErrUnrecognizedPacket, *envelope.ID)
	}

	if err := json.Unmarshal(data, pkt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPacket, id, err)
	}
	pkt.header().ID = id

	p.logger.Trace().Str("packet", id.String()).Msg("packet decoded")
	return pkt, nil
}

var defaultParser = NewParser()

// Decode parses data with a shared Parser.
func Decode(data []byte) (Packet, error) {
	return defaultParser.Parse(data)
}

// Encode serializes a packet, always stamping its own discriminant.
func Encode(pkt Packet) ([]byte, error) {
	pkt.header().ID = pkt.PacketID()
	data, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", pkt.PacketID(), err)
	}
	return data, nil
}

// BindingKey is the one-time key a voice client hands to its player. Older
// addons send it as a JSON number, newer ones as a string; both decode to
// the same canonical string.
type BindingKey string

// UnmarshalJSON accepts a JSON string or number.
func (k *BindingKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = BindingKey(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*k = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("binding key must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*k = BindingKey(strconv.FormatInt(i, 10))
		return nil
	}
	*k = BindingKey(n.String())
	return nil
}

// Vector3 is a world position as sent by the addon.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IsFinite reports whether every component is a finite number.
func (v Vector3) IsFinite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// PlayerState is one player's entry in an Update packet.
type PlayerState struct {
	PlayerID    string  `json:"PlayerId"`
	DimensionID string  `json:"DimensionId"`
	Location    Vector3 `json:"Location"`
	Rotation    float64 `json:"Rotation"`
	EchoFactor  float64 `json:"EchoFactor"`
	Muffled     bool    `json:"Muffled"`
	IsDead      bool    `json:"IsDead"`
}

// UnmarshalJSON accepts both field generations: EchoFactor/Muffled and the
// older CaveDensity/InWater. The newer name wins when both are present.
func (s *PlayerState) UnmarshalJSON(data []byte) error {
	type plain PlayerState
	var aux struct {
		plain
		EchoFactor  *float64 `json:"EchoFactor"`
		Muffled     *bool    `json:"Muffled"`
		CaveDensity *float64 `json:"CaveDensity"`
		InWater     *bool    `json:"InWater"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = PlayerState(aux.plain)

	switch {
	case aux.EchoFactor != nil:
		s.EchoFactor = *aux.EchoFactor
	case aux.CaveDensity != nil:
		s.EchoFactor = *aux.CaveDensity
	}
	switch {
	case aux.Muffled != nil:
		s.Muffled = *aux.Muffled
	case aux.InWater != nil:
		s.Muffled = *aux.InWater
	}
	return nil
}
