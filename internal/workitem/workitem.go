// Package workitem encodes and validates the queue payload shared by producers and consumers.
package workitem

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dontdude/usersearch/internal/domain"
)

const schemaURL = "usersearch://work-item.json"

const schemaText = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["job_id", "submitter_id"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "submitter_id": {"type": "string", "minLength": 1}
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, schemaText)

// Encode serializes a work item for the queue.
func Encode(item domain.WorkItem) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work item: %w", err)
	}
	return data, nil
}

// Decode parses and validates a queue payload.
// Every failure wraps domain.ErrDecode: a payload that fails once fails forever.
func Decode(raw []byte) (domain.WorkItem, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return domain.WorkItem{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if err := schema.Validate(doc); err != nil {
		return domain.WorkItem{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	var item domain.WorkItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.WorkItem{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return item, nil
}
