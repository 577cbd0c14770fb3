package model

import (
	"fmt"

	"github.com/google/uuid"
)

// PacketKind is the closed vocabulary of packet control tags.
type PacketKind int

const (
	PacketKindUnknown PacketKind = iota
	PacketKindSYN
	PacketKindACK
	PacketKindService
	PacketKindConnectionRequest
	PacketKindConnectionResponse
	PacketKindConnectionFailure
	PacketKindPathDiscovery
	PacketKindPathResponse
	// PacketKindData is application traffic.
	PacketKindData
)

var packetKindNames = map[PacketKind]string{
	PacketKindUnknown:            "UNKNOWN",
	PacketKindSYN:                "SYN",
	PacketKindACK:                "ACK",
	PacketKindService:            "SERVICE",
	PacketKindConnectionRequest:  "CONNECTION_REQUEST",
	PacketKindConnectionResponse: "CONNECTION_RESPONSE",
	PacketKindConnectionFailure:  "CONNECTION_FAILURE",
	PacketKindPathDiscovery:      "PATH_DISCOVERY",
	PacketKindPathResponse:       "PATH_RESPONSE",
	PacketKindData:               "DATA",
}

func (k PacketKind) String() string {
	if name, ok := packetKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PacketKind(%d)", int(k))
}

// ParsePacketKind maps a tag name back to its PacketKind.
func ParsePacketKind(s string) (PacketKind, error) {
	for k, name := range packetKindNames {
		if name == s && k != PacketKindUnknown {
			return k, nil
		}
	}
	return PacketKindUnknown, fmt.Errorf("unknown packet kind %q", s)
}

// IsHandshake reports whether k belongs to the SYN/ACK exchange.
func (k PacketKind) IsHandshake() bool {
	return k == PacketKindSYN || k == PacketKindACK
}

// IsPathDiscovery reports whether k belongs to the path discovery flood.
func (k PacketKind) IsPathDiscovery() bool {
	return k == PacketKindPathDiscovery || k == PacketKindPathResponse
}

// IsNegotiation reports whether k is a control packet that may cross an
// ESTABLISHED link before it becomes ACTIVE.
func (k PacketKind) IsNegotiation() bool {
	switch k {
	case PacketKindConnectionRequest,
		PacketKindConnectionResponse,
		PacketKindConnectionFailure,
		PacketKindPathDiscovery,
		PacketKindPathResponse:
		return true
	default:
		return false
	}
}

// Payload is implemented by every typed packet payload.
type Payload interface {
	payloadKind() PacketKind
}

// ServicePayload advertises a service along an accumulated path.
type ServicePayload struct {
	ServiceID string
	Address   string
	Type      string
	Path      []string
	Delay     int
}

// ConnectionRequestPayload travels from the requester towards the service.
type ConnectionRequestPayload struct {
	ServiceID   string
	RequesterID string
	// Path runs from requester to service.
	Path       []string
	RetryCount int
}

// ConnectionFailurePayload walks back towards the requester.
type ConnectionFailurePayload struct {
	ServiceID   string
	RequesterID string
	Path        []string
	RetryCount  int
	// FailedAt is the hop that could not forward the request.
	FailedAt string
}

// ConnectionResponsePayload travels from the service back to the requester.
type ConnectionResponsePayload struct {
	ServiceID   string
	RequesterID string
	// Path runs from service to requester.
	Path []string
}

// PathDiscoveryPayload floods outward from the requester.
type PathDiscoveryPayload struct {
	DiscoveryID string
	TargetID    string
	RequesterID string
	Path        []string
	TotalDelay  int
}

// PathResponsePayload returns a complete path to the requester.
type PathResponsePayload struct {
	DiscoveryID string
	TargetID    string
	RequesterID string
	// Path runs from requester to target.
	Path       []string
	TotalDelay int
}

// DataPayload carries application traffic.
type DataPayload struct {
	Label   string
	Message string
}

func (ServicePayload) payloadKind() PacketKind            { return PacketKindService }
func (ConnectionRequestPayload) payloadKind() PacketKind  { return PacketKindConnectionRequest }
func (ConnectionFailurePayload) payloadKind() PacketKind  { return PacketKindConnectionFailure }
func (ConnectionResponsePayload) payloadKind() PacketKind { return PacketKindConnectionResponse }
func (PathDiscoveryPayload) payloadKind() PacketKind      { return PacketKindPathDiscovery }
func (PathResponsePayload) payloadKind() PacketKind       { return PacketKindPathResponse }
func (DataPayload) payloadKind() PacketKind               { return PacketKindData }

// Packet is a unit of transport over a single link. Source is the endpoint
// that put it on the link; Destination names the final recipient. When Route
// is set, the packet is forwarded hop by hop along it and Destination is the
// last element.
type Packet struct {
	ID          string
	Source      string
	Destination string
	Kind        PacketKind
	Payload     Payload
	Route       []string
	Progress    float64
}

// NewPacket creates a packet with a fresh ID. The payload, when present, must
// match kind.
func NewPacket(source, destination string, kind PacketKind, payload Payload) (*Packet, error) {
	if payload != nil && payload.payloadKind() != kind {
		return nil, fmt.Errorf("payload for %s attached to %s packet", payload.payloadKind(), kind)
	}
	return &Packet{
		ID:          uuid.NewString(),
		Source:      source,
		Destination: destination,
		Kind:        kind,
		Payload:     payload,
	}, nil
}

// NextHop returns the hop after Source on Route, or Destination for
// single-link packets.
func (p *Packet) NextHop() string {
	if len(p.Route) == 0 {
		return p.Destination
	}
	idx := PathIndex(p.Route, p.Source)
	if idx < 0 || idx+1 >= len(p.Route) {
		return ""
	}
	return p.Route[idx+1]
}

// Advance moves the packet along its link and reports whether it arrived.
func (p *Packet) Advance(step float64) bool {
	p.Progress += step
	if p.Progress >= 1 {
		p.Progress = 1
		return true
	}
	return false
}

// Forward returns a copy of p re-originated at hop, ready for the next link.
func (p *Packet) Forward(hop string) *Packet {
	cp := *p
	cp.ID = uuid.NewString()
	cp.Source = hop
	cp.Progress = 0
	cp.Route = append([]string(nil), p.Route...)
	return &cp
}
