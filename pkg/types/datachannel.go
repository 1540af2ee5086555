package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DataKind discriminates peer-to-peer data channel messages.
type DataKind string

const (
	DataKindJoin DataKind = "join"
	DataKindCode DataKind = "code"
	DataKindChat DataKind = "chat"
	DataKindLang DataKind = "lang"
)

var (
	ErrUnknownDataKind = errors.New("unknown data message type")
	ErrMalformedData   = errors.New("malformed data message")
)

// DataMessage is one of DataJoin, DataCode, DataChat or DataLang.
type DataMessage interface {
	Kind() DataKind
}

type DataJoin struct {
	Name string `json:"name"`
}

type DataCode struct {
	Content string `json:"content"`
}

type DataChat struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type DataLang struct {
	Lang string `json:"lang"`
}

func (DataJoin) Kind() DataKind { return DataKindJoin }
func (DataCode) Kind() DataKind { return DataKindCode }
func (DataChat) Kind() DataKind { return DataKindChat }
func (DataLang) Kind() DataKind { return DataKindLang }

type dataEnvelope struct {
	Type    DataKind `json:"type"`
	Name    *string  `json:"name,omitempty"`
	Content *string  `json:"content,omitempty"`
	Lang    *string  `json:"lang,omitempty"`
}

// MarshalDataMessage encodes a message as the flat {type, ...} JSON object browsers send.
func MarshalDataMessage(m DataMessage) ([]byte, error) {
	env := dataEnvelope{Type: m.Kind()}
	switch v := m.(type) {
	case DataJoin:
		env.Name = &v.Name
	case DataCode:
		env.Content = &v.Content
	case DataChat:
		env.Name = &v.Name
		env.Content = &v.Content
	case DataLang:
		env.Lang = &v.Lang
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownDataKind, m)
	}
	return json.Marshal(env)
}

// ParseDataMessage decodes a data channel payload into its concrete variant.
func ParseDataMessage(data []byte) (DataMessage, error) {
	var env dataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	switch env.Type {
	case DataKindJoin:
		if env.Name == nil {
			return nil, fmt.Errorf("%w: join without name", ErrMalformedData)
		}
		return DataJoin{Name: *env.Name}, nil
	case DataKindCode:
		if env.Content == nil {
			return nil, fmt.Errorf("%w: code without content", ErrMalformedData)
		}
		return DataCode{Content: *env.Content}, nil
	case DataKindChat:
		if env.Content == nil {
			return nil, fmt.Errorf("%w: chat without content", ErrMalformedData)
		}
		m := DataChat{Content: *env.Content}
		if env.Name != nil {
			m.Name = *env.Name
		}
		return m, nil
	case DataKindLang:
		if env.Lang == nil {
			return nil, fmt.Errorf("%w: lang without lang", ErrMalformedData)
		}
		return DataLang{Lang: *env.Lang}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataKind, env.Type)
	}
}
