package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Model is a dataset mapping document: dataset metadata plus one entry per field.
type Model struct {
	Dataset DatasetMeta          `json:"dataset"`
	Mapping map[string]FieldSpec `json:"mapping"`
}

// DatasetMeta holds the descriptive attributes of a dataset.
type DatasetMeta struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Currency    string `json:"currency,omitempty"`
	DefaultTime string `json:"default_time,omitempty"`
	Private     bool   `json:"private,omitempty"`
}

// FieldSpec declares one field of the mapping.
type FieldSpec struct {
	Type         string                   `json:"type,omitempty"`
	Label        string                   `json:"label,omitempty"`
	Description  string                   `json:"description,omitempty"`
	Column       string                   `json:"column,omitempty"`
	Datatype     string                   `json:"datatype,omitempty"`
	Key          bool                     `json:"key,omitempty"`
	Taxonomy     string                   `json:"taxonomy,omitempty"`
	Facet        bool                     `json:"facet,omitempty"`
	Constant     any                      `json:"constant,omitempty"`
	DefaultValue any                      `json:"default_value,omitempty"`
	Attributes   map[string]AttributeSpec `json:"attributes,omitempty"`
}

// AttributeSpec declares one attribute of a compound dimension.
type AttributeSpec struct {
	Label        string `json:"label,omitempty"`
	Column       string `json:"column,omitempty"`
	Datatype     string `json:"datatype,omitempty"`
	Constant     any    `json:"constant,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
}

// ParseModel decodes a JSON mapping document.
func ParseModel(doc []byte) (*Model, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var m Model
	if err := dec.Decode(&m); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid mapping document: %v", err)}
	}
	if m.Dataset.Name == "" {
		return nil, &SchemaError{Reason: "dataset name is required"}
	}
	if len(m.Mapping) == 0 {
		return nil, &SchemaError{Dataset: m.Dataset.Name, Reason: "mapping has no fields"}
	}
	return &m, nil
}

// JSON encodes the model back into a mapping document.
func (m *Model) JSON() ([]byte, error) {
	return json.Marshal(m)
}
