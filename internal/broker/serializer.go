// internal/broker/serializer.go
package broker

import (
	"encoding/json"
	"fmt"
)

// Serializer encodes and decodes task payloads. Serializers are registered by
// name; the configured task/result serializer names must resolve here.
type Serializer interface {
	Name() string
	ContentType() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string        { return "json" }
func (jsonSerializer) ContentType() string { return "application/json" }

func (jsonSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

var serializers = map[string]Serializer{
	"json": jsonSerializer{},
}

// SerializerByName resolves a registered serializer.
func SerializerByName(name string) (Serializer, error) {
	s, ok := serializers[name]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
	return s, nil
}

// AcceptSet is the set of content types a consumer will decode, built from
// the accept_content serializer names.
type AcceptSet struct {
	contentTypes map[string]bool
}

// NewAcceptSet builds an AcceptSet from serializer names.
func NewAcceptSet(names []string) (*AcceptSet, error) {
	set := &AcceptSet{contentTypes: make(map[string]bool, len(names))}
	for _, name := range names {
		s, err := SerializerByName(name)
		if err != nil {
			return nil, err
		}
		set.contentTypes[s.ContentType()] = true
	}
	return set, nil
}

// Accepts reports whether a message body with the given content type may be
// decoded.
func (a *AcceptSet) Accepts(contentType string) bool {
	return a.contentTypes[contentType]
}
