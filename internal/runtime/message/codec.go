package message

import (
	"fmt"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
)

var jsonConfig = sonic.ConfigStd

// FromJSON marshals v into an application/json message.
func FromJSON(v any) (*Message, error) {
	payload, err := jsonConfig.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("esbflow: marshal json payload: %w", err)
	}
	return NewBuilder().
		Payload(payload).
		MediaType(MediaTypeJSON).
		Charset(CharsetUTF8).
		Build(), nil
}

// DecodeJSON unmarshals the payload into v.
func (m *Message) DecodeJSON(v any) error {
	if err := jsonConfig.Unmarshal(m.payload, v); err != nil {
		return fmt.Errorf("esbflow: decode json message %s: %w", m.id, err)
	}
	return nil
}

// FromProto marshals pm into an application/x-protobuf message. The full
// message name is recorded in the proto_type header.
func FromProto(pm proto.Message) (*Message, error) {
	if pm == nil {
		return nil, fmt.Errorf("esbflow: proto payload is nil")
	}
	payload, err := proto.Marshal(pm)
	if err != nil {
		return nil, fmt.Errorf("esbflow: marshal proto payload: %w", err)
	}
	return NewBuilder().
		Payload(payload).
		MediaType(MediaTypeProtobuf).
		Header(HeaderProtoType, string(pm.ProtoReflect().Descriptor().FullName())).
		Build(), nil
}

// DecodeProto unmarshals the payload into pm.
func (m *Message) DecodeProto(pm proto.Message) error {
	if err := proto.Unmarshal(m.payload, pm); err != nil {
		return fmt.Errorf("esbflow: decode proto message %s: %w", m.id, err)
	}
	return nil
}
