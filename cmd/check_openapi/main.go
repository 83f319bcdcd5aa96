package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"repochat/pkg/domain"
)

type openAPIDoc struct {
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Enum       []string          `yaml:"enum"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type     string
	ItemsRef string
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <gateway-openapi.yaml> <ingest-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	gatewayDoc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	ingestDoc, err := loadDoc(os.Args[2])
	if err != nil {
		exitErr(err)
	}
	if err := check(gatewayDoc, ingestDoc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

// check verifies that both documents agree on the shared wire types and that
// the gateway stream schema matches the statuses the relay emits.
func check(gatewayDoc, ingestDoc openAPIDoc) error {
	gatewayErr, err := getSchema(gatewayDoc, "ErrorResponse")
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	ingestErr, err := getSchema(ingestDoc, "ErrorResponse")
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := validateErrorResponse("gateway", gatewayErr); err != nil {
		return err
	}
	if err := validateErrorResponse("ingest", ingestErr); err != nil {
		return err
	}
	if err := ensureSameShape("ErrorResponse", shapeFromSchema(gatewayErr), shapeFromSchema(ingestErr)); err != nil {
		return err
	}

	gatewayJob, err := getSchema(gatewayDoc, "IngestJob")
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	ingestJob, err := getSchema(ingestDoc, "IngestJob")
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := validateEnum("gateway IngestJob.state", gatewayJob.Properties["state"], jobStates); err != nil {
		return err
	}
	if err := ensureSameShape("IngestJob", shapeFromSchema(gatewayJob), shapeFromSchema(ingestJob)); err != nil {
		return err
	}

	event, err := getSchema(gatewayDoc, "StreamEvent")
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return validateStreamEvent(event)
}

var (
	jobStates = []string{
		string(domain.JobQueued),
		string(domain.JobProcessing),
		string(domain.JobDone),
		string(domain.JobFailed),
	}
	streamStatuses = []string{
		string(domain.StreamInProgress),
		string(domain.StreamCompleted),
	}
)

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(scope string, s schema) error {
	if s.Type != "object" {
		return fmt.Errorf("%s ErrorResponse must be object", scope)
	}
	if !makeSet(s.Required)["error"] {
		return fmt.Errorf("%s ErrorResponse.required must include \"error\"", scope)
	}
	errorProp, ok := s.Properties["error"]
	if !ok || errorProp.Type != "string" {
		return fmt.Errorf("%s ErrorResponse.error must be string", scope)
	}
	return nil
}

func validateStreamEvent(s schema) error {
	if s.Type != "object" {
		return errors.New("gateway StreamEvent must be object")
	}
	if err := validateEnum("gateway StreamEvent.status", s.Properties["status"], streamStatuses); err != nil {
		return err
	}
	for _, field := range []string{"delta", "content"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("gateway StreamEvent.%s must be string", field)
		}
	}
	return nil
}

func validateEnum(name string, prop schema, want []string) error {
	if prop.Type != "string" {
		return fmt.Errorf("%s must be string", name)
	}
	got := append([]string(nil), prop.Enum...)
	sort.Strings(got)
	expected := append([]string(nil), want...)
	sort.Strings(expected)
	if strings.Join(got, ",") != strings.Join(expected, ",") {
		return fmt.Errorf("%s enum = %v, want %v", name, prop.Enum, want)
	}
	return nil
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		shape := propertyShape{Type: prop.Type}
		if prop.Items != nil {
			shape.ItemsRef = strings.TrimSpace(prop.Items.Ref)
		}
		out.Properties[name] = shape
	}
	return out
}

func ensureSameShape(name string, left, right schemaShape) error {
	if left.Type != right.Type {
		return fmt.Errorf("%s type mismatch: %q vs %q", name, left.Type, right.Type)
	}
	if strings.Join(left.Required, ",") != strings.Join(right.Required, ",") {
		return fmt.Errorf("%s required mismatch: %v vs %v", name, left.Required, right.Required)
	}
	if len(left.Properties) != len(right.Properties) {
		return fmt.Errorf("%s property count mismatch: %d vs %d", name, len(left.Properties), len(right.Properties))
	}
	for key, leftProp := range left.Properties {
		rightProp, ok := right.Properties[key]
		if !ok {
			return fmt.Errorf("%s missing property %q in ingest schema", name, key)
		}
		if leftProp != rightProp {
			return fmt.Errorf("%s property %q mismatch: %+v vs %+v", name, key, leftProp, rightProp)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
