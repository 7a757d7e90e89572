// Package protocol implements the Como monitoring wire format.
//
// Every message is a 5-byte header (1 byte kind + 4 byte big-endian payload
// length) followed by the payload:
//
//	GetListOfSources  (client→server)  empty payload
//	Source            (server→client)  [type][str typeName][str name][value][str description]
//	DeinitSource      (server→client)  [str typeName][str name]
//
// Strings are a 4 byte big-endian length followed by UTF-8 bytes. Values are
// fixed-width big-endian encodings selected by the one-byte type tag.
package protocol

import (
	"fmt"

	"github.com/ghalamif/como/internal/domain"
)

// Kind discriminates protocol messages.
type Kind byte

const (
	// KindGetListOfSources asks the server for every registered source.
	KindGetListOfSources Kind = 0x01

	// KindSource carries one full source record, both as a reply to
	// KindGetListOfSources and as a live update.
	KindSource Kind = 0x02

	// KindDeinitSource carries the identity of a source that no longer exists.
	KindDeinitSource Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindGetListOfSources:
		return "GetListOfSources"
	case KindSource:
		return "Source"
	case KindDeinitSource:
		return "DeinitSource"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// headerLength is the fixed frame header size: 1 byte kind + 4 bytes length.
const headerLength = 5

// MaxPayloadLength bounds a single frame payload.
const MaxPayloadLength = 16 * 1024 * 1024

// Message is a single decoded protocol message. For KindDeinitSource only
// Source.TypeName and Source.Name are meaningful.
type Message struct {
	Kind   Kind
	Source domain.Source
}

// GetListOfSources builds the list request.
func GetListOfSources() Message {
	return Message{Kind: KindGetListOfSources}
}

// SourceMessage builds a source update carrying s.
func SourceMessage(s domain.Source) Message {
	return Message{Kind: KindSource, Source: s}
}

// DeinitMessage builds a deinit notification for the given identity.
func DeinitMessage(k domain.Key) Message {
	return Message{Kind: KindDeinitSource, Source: domain.Source{TypeName: k.TypeName, Name: k.Name}}
}
