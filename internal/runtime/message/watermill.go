package message

import (
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
)

// Reserved headers used to carry envelope fields over Watermill transports.
const (
	HeaderMediaType = "esb_media_type"
	HeaderCharset   = "esb_charset"
	HeaderCreatedAt = "esb_created_at"
	HeaderProtoType = "proto_type"
)

// ToWatermill converts the envelope into a Watermill message. The UUID field
// carries the message ID.
func (m *Message) ToWatermill() *wmmessage.Message {
	wm := wmmessage.NewMessage(m.id, m.Payload())
	for k, v := range m.metadata {
		wm.Metadata.Set(k, v)
	}
	wm.Metadata.Set(HeaderMediaType, m.mediaType)
	if m.charset != "" {
		wm.Metadata.Set(HeaderCharset, m.charset)
	}
	wm.Metadata.Set(HeaderCreatedAt, m.createdAt.UTC().Format(time.RFC3339Nano))
	return wm
}

// FromWatermill rebuilds an envelope from a Watermill message produced by
// ToWatermill or by a foreign publisher.
func FromWatermill(wm *wmmessage.Message) *Message {
	b := NewBuilder().ID(wm.UUID).Payload(wm.Payload)
	for k, v := range wm.Metadata {
		switch k {
		case HeaderMediaType:
			b.MediaType(v)
		case HeaderCharset:
			b.Charset(v)
		case HeaderCreatedAt:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				b.CreatedAt(t)
			}
		default:
			b.Header(k, v)
		}
	}
	return b.Build()
}
