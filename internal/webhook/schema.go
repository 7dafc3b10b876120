// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coldsync/relay/internal/convert"
)

// eventSchema is the structural contract for webhook bodies. It guards
// the envelope shape before any field-level decoding runs, so decode
// code can assume types are right and focus on semantics.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_type"],
  "properties": {
    "event_type": {
      "type": "string",
      "enum": ["LEAD_ADDED", "EMAIL_SENT", "FIRST_EMAIL_SENT", "EMAIL_REPLY", "LEAD_CATEGORY_UPDATED"]
    },
    "secret_key": {"type": "string"},
    "from_email": {"type": "string"},
    "to_email": {"type": "string"},
    "to_name": {"type": "string"},
    "subject": {"type": "string"},
    "sent_message": {"$ref": "#/$defs/message"},
    "reply_message": {"$ref": "#/$defs/message"},
    "sent_message_body": {"type": "string"},
    "reply_body": {"type": "string"},
    "preview_text": {"type": "string"},
    "message_id": {"type": "string"},
    "event_timestamp": {"type": "string"},
    "time_sent": {"type": "string"},
    "time_replied": {"type": "string"},
    "campaign_id": {"type": "integer"},
    "campaign_name": {"type": "string"},
    "sequence_number": {"type": "integer"},
    "stats_id": {"type": ["string", "integer"]},
    "reply_category": {"type": "string"},
    "lead_category": {
      "type": "object",
      "properties": {"new_name": {"type": "string"}}
    },
    "lead": {
      "type": "object",
      "properties": {
        "email": {"type": "string"},
        "first_name": {"type": "string"},
        "last_name": {"type": "string"},
        "company_name": {"type": "string"},
        "website": {"type": "string"},
        "company_url": {"type": "string"},
        "phone_number": {"type": "string"}
      }
    }
  },
  "$defs": {
    "message": {
      "type": "object",
      "properties": {
        "html": {"type": "string"},
        "text": {"type": "string"},
        "message_id": {"type": "string"},
        "time": {"type": "string"}
      }
    }
  }
}`

const schemaURL = "https://coldsync.dev/schemas/event.schema.json"

func compileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		panic(fmt.Sprintf("webhook: embedded schema invalid: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("webhook: embedded schema rejected: %v", err))
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("webhook: embedded schema does not compile: %v", err))
	}
	return sch
}

var compiledSchema = compileEventSchema()

// validateEnvelope checks a raw body against the event schema.
// Invalid JSON or schema violations surface as MalformedPayloadError.
func validateEnvelope(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &convert.MalformedPayloadError{Field: "body", Reason: "not valid JSON"}
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return &convert.MalformedPayloadError{Field: "body", Reason: err.Error()}
	}
	return nil
}
