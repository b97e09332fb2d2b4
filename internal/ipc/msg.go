// Package ipc implements the typed message bus between the agent and the
// controller: message envelopes, a length-prefixed stream codec and a
// reconnecting client.
package ipc

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/gizmoguy/RouteFlow/internal/flow"
)

// Well-known addressing on the message bus.
const (
	// ChannelClientServer is the bidirectional channel between agents and
	// the controller.
	ChannelClientServer = "rfclient-rfserver"
	// ServerID is the controller's bus identity.
	ServerID = "rfserver"
)

// MessageType discriminates messages on the wire.
type MessageType uint8

const (
	TypePortRegister MessageType = iota
	TypeRouteMod
	TypePortConfig
	TypeNHLFEConfig
)

// Message is any payload that can travel on the bus.
type Message interface {
	MessageType() MessageType
}

// PortRegister announces a local port and its hardware address to the
// controller.
type PortRegister struct {
	ID     uint64   `json:"id"`
	Port   uint32   `json:"port"`
	HWAddr flow.MAC `json:"hw_addr"`
}

func (m *PortRegister) MessageType() MessageType { return TypePortRegister }

// RouteModMsg wraps a flow modification for transport.
type RouteModMsg struct {
	flow.RouteMod
}

func (m *RouteModMsg) MessageType() MessageType { return TypeRouteMod }

// PortConfig operation identifiers.
const (
	PortConfigMapRequest uint32 = iota
	PortConfigReset
	PortConfigMapSuccess
)

// PortConfig is a controller-originated port mapping event.
type PortConfig struct {
	ID          uint64 `json:"id"`
	VMPort      uint32 `json:"vm_port"`
	OperationID uint32 `json:"operation_id"`
}

func (m *PortConfig) MessageType() MessageType { return TypePortConfig }

// NHLFE table and label operations.
const (
	NHLFEAdd uint32 = iota
	NHLFERemove
)

const (
	LabelPush uint32 = iota
	LabelPop
	LabelSwap
)

// NHLFEConfig is a next-hop label-forwarding entry operation.
type NHLFEConfig struct {
	ID             uint64     `json:"id"`
	TableOperation uint32     `json:"table_operation"`
	LabelOperation uint32     `json:"label_operation"`
	InLabel        uint32     `json:"in_label"`
	OutLabel       uint32     `json:"out_label"`
	NextHop        netip.Addr `json:"next_hop"`
}

func (m *NHLFEConfig) MessageType() MessageType { return TypeNHLFEConfig }

// envelope is the on-wire frame body.
type envelope struct {
	Channel string          `json:"channel"`
	To      string          `json:"to"`
	From    string          `json:"from"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(channel, to, from string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}

	return json.Marshal(envelope{
		Channel: channel,
		To:      to,
		From:    from,
		Type:    msg.MessageType(),
		Payload: payload,
	})
}

func decodeEnvelope(buf []byte) (string, Message, error) {
	env := envelope{}
	if err := json.Unmarshal(buf, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypePortRegister:
		msg = &PortRegister{}
	case TypeRouteMod:
		msg = &RouteModMsg{}
	case TypePortConfig:
		msg = &PortConfig{}
	case TypeNHLFEConfig:
		msg = &NHLFEConfig{}
	default:
		return "", nil, fmt.Errorf("unrecognized message type %d", env.Type)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return "", nil, fmt.Errorf("failed to decode %T payload: %w", msg, err)
	}
	return env.From, msg, nil
}
