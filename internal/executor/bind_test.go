package executor

import (
	"encoding/json"
	"testing"
)

func TestBindArgs_ResolvesStepOutputReferences(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"s1": []byte(`{"contact":{"email":"a@b.com"},"ids":[10,20]}`),
	}
	bound, err := bindArgs([]byte(`{"to":"$s1.output.contact.email","backup":"$s1.output.ids.1"}`), outputs)
	if err != nil {
		t.Fatalf("bindArgs: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(bound, &got); err != nil {
		t.Fatalf("unmarshal bound args: %v", err)
	}
	if got["to"] != "a@b.com" {
		t.Fatalf("expected resolved email, got %v", got["to"])
	}
	if got["backup"] != float64(20) {
		t.Fatalf("expected resolved index reference, got %v", got["backup"])
	}
}

func TestBindArgs_UnresolvedStepFails(t *testing.T) {
	_, err := bindArgs([]byte(`{"to":"$missing.output.email"}`), map[string]json.RawMessage{})
	if err == nil {
		t.Fatalf("expected an error for a reference to a step with no recorded output")
	}
}

func TestCheckSchemaIn_EmptySchemaIsUnconstrained(t *testing.T) {
	if err := checkSchemaIn(nil, []byte(`{"anything":true}`)); err != nil {
		t.Fatalf("expected no error for an empty schema, got %v", err)
	}
}

func TestCheckSchemaIn_TypeMismatchFails(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"count":{"type":"integer"}}}`)
	if err := checkSchemaIn(schema, []byte(`{"count":"not a number"}`)); err == nil {
		t.Fatalf("expected a type mismatch on count to fail")
	}
}

func TestCheckSchemaIn_MissingRequiredFieldFails(t *testing.T) {
	schema := []byte(`{"type":"object","required":["to"]}`)
	if err := checkSchemaIn(schema, []byte(`{}`)); err == nil {
		t.Fatalf("expected a missing required field to fail")
	}
}

func TestCheckSchemaIn_NestedAndArrayItemsAreChecked(t *testing.T) {
	schema := []byte(`{
		"type":"object",
		"required":["contact"],
		"properties":{
			"contact":{"type":"object","required":["email"],"properties":{"email":{"type":"string"}}},
			"tags":{"type":"array","items":{"type":"string"}}
		}
	}`)
	ok := []byte(`{"contact":{"email":"a@b.com"},"tags":["x","y"]}`)
	if err := checkSchemaIn(schema, ok); err != nil {
		t.Fatalf("expected a well-formed value to pass, got %v", err)
	}

	badNested := []byte(`{"contact":{"email":42},"tags":["x"]}`)
	if err := checkSchemaIn(schema, badNested); err == nil {
		t.Fatalf("expected a nested type mismatch to fail")
	}

	badArrayItem := []byte(`{"contact":{"email":"a@b.com"},"tags":[1,2]}`)
	if err := checkSchemaIn(schema, badArrayItem); err == nil {
		t.Fatalf("expected an array item type mismatch to fail")
	}
}

func TestCheckSchemaIn_IntegerRejectsFraction(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"count":{"type":"integer"}}}`)
	if err := checkSchemaIn(schema, []byte(`{"count":1.5}`)); err == nil {
		t.Fatalf("expected a fractional value to fail an integer type check")
	}
	if err := checkSchemaIn(schema, []byte(`{"count":2}`)); err != nil {
		t.Fatalf("expected a whole number to pass an integer type check, got %v", err)
	}
}
