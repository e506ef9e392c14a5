// Package message defines the immutable envelope that moves between
// endpoints, processors and transports.
package message

import (
	"crypto/rand"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	MediaTypeJSON     = "application/json"
	MediaTypeProtobuf = "application/x-protobuf"
	MediaTypeText     = "text/plain"
	MediaTypeAny      = "*/*"

	CharsetUTF8 = "utf-8"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-sortable ULID encoded as a 26-character string.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Metadata holds the string headers carried alongside a payload.
type Metadata map[string]string

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Message is an immutable envelope. Use a Builder to derive a modified copy.
type Message struct {
	id        string
	payload   []byte
	mediaType string
	charset   string
	metadata  Metadata
	createdAt time.Time
}

func (m *Message) ID() string {
	return m.id
}

// Payload returns a copy of the payload bytes.
func (m *Message) Payload() []byte {
	return append([]byte(nil), m.payload...)
}

func (m *Message) MediaType() string {
	return m.mediaType
}

func (m *Message) Charset() string {
	return m.charset
}

func (m *Message) CreatedAt() time.Time {
	return m.createdAt
}

// Metadata returns a copy of the headers.
func (m *Message) Metadata() Metadata {
	return m.metadata.Clone()
}

// Header returns a single header value.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// ContentType renders the media type and charset as a Content-Type value.
func (m *Message) ContentType() string {
	return FormatContentType(m.mediaType, m.charset)
}

func (m *Message) String() string {
	return fmt.Sprintf("message{id=%s, type=%s, size=%d}", m.id, m.ContentType(), len(m.payload))
}

// ToBuilder returns a builder seeded with this message. The built message
// keeps the same ID unless the builder overrides it.
func (m *Message) ToBuilder() *Builder {
	return &Builder{msg: Message{
		id:        m.id,
		payload:   m.payload,
		mediaType: m.mediaType,
		charset:   m.charset,
		metadata:  m.metadata.Clone(),
		createdAt: m.createdAt,
	}}
}

// Builder assembles a Message.
type Builder struct {
	msg Message
}

// NewBuilder returns a builder for an empty */* message.
func NewBuilder() *Builder {
	return &Builder{msg: Message{mediaType: MediaTypeAny, metadata: Metadata{}}}
}

func (b *Builder) ID(id string) *Builder {
	b.msg.id = id
	return b
}

func (b *Builder) Payload(payload []byte) *Builder {
	b.msg.payload = append([]byte(nil), payload...)
	return b
}

func (b *Builder) MediaType(mediaType string) *Builder {
	b.msg.mediaType = mediaType
	return b
}

func (b *Builder) Charset(charset string) *Builder {
	b.msg.charset = charset
	return b
}

// ContentType sets media type and charset from a Content-Type value.
// Unparsable values are kept verbatim as the media type.
func (b *Builder) ContentType(contentType string) *Builder {
	mediaType, charset, err := ParseContentType(contentType)
	if err != nil {
		b.msg.mediaType = contentType
		return b
	}
	b.msg.mediaType = mediaType
	if charset != "" {
		b.msg.charset = charset
	}
	return b
}

func (b *Builder) Header(key, value string) *Builder {
	b.msg.metadata[key] = value
	return b
}

func (b *Builder) Metadata(md Metadata) *Builder {
	for k, v := range md {
		b.msg.metadata[k] = v
	}
	return b
}

func (b *Builder) CreatedAt(t time.Time) *Builder {
	b.msg.createdAt = t
	return b
}

// Build returns the message, assigning an ID and creation time when unset.
func (b *Builder) Build() *Message {
	msg := b.msg
	if msg.id == "" {
		msg.id = NewID()
	}
	if msg.createdAt.IsZero() {
		msg.createdAt = time.Now().UTC()
	}
	if msg.mediaType == "" {
		msg.mediaType = MediaTypeAny
	}
	msg.metadata = msg.metadata.Clone()
	return &msg
}

// New is shorthand for a message with a payload and media type.
func New(payload []byte, mediaType string) *Message {
	return NewBuilder().Payload(payload).MediaType(mediaType).Build()
}

// FormatContentType joins a media type and optional charset.
func FormatContentType(mediaType, charset string) string {
	if charset == "" {
		return mediaType
	}
	return mediaType + "; charset=" + charset
}

// ParseContentType splits a Content-Type value into media type and charset.
func ParseContentType(contentType string) (mediaType, charset string, err error) {
	if strings.TrimSpace(contentType) == "" {
		return "", "", fmt.Errorf("esbflow: empty content type")
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", "", fmt.Errorf("esbflow: parse content type %q: %w", contentType, err)
	}
	return mediaType, strings.ToLower(params["charset"]), nil
}
