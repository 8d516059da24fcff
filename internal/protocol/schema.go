package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBaseURL = "https://taskboard.agentworkforce.dev/schemas/"

var eventSchemaFiles = map[Event]string{
	EventFetch:   "tasks_fetch.json",
	EventInitial: "tasks_initial.json",
	EventAdd:     "task_add.json",
	EventAdded:   "task_added.json",
	EventMove:    "task_move.json",
	EventMoved:   "task_changed.json",
	EventUpdate:  "task_update.json",
	EventUpdated: "task_changed.json",
	EventDelete:  "task_id.json",
	EventDeleted: "task_id.json",
	EventError:   "error.json",
}

var (
	schemasOnce sync.Once
	schemas     map[Event]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[Event]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas, schemasErr = compileSchemas()
	})
	return schemas, schemasErr
}

func compileSchemas() (map[Event]*jsonschema.Schema, error) {
	entries, err := fs.ReadDir(schemaFiles, "schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	for _, entry := range entries {
		raw, err := schemaFiles.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}
	out := make(map[Event]*jsonschema.Schema, len(eventSchemaFiles))
	for event, name := range eventSchemaFiles {
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", event, err)
		}
		out[event] = schema
	}
	return out, nil
}

func validatePayload(event Event, data json.RawMessage) error {
	compiled, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := compiled[event]
	if !ok {
		return fmt.Errorf("no schema for event %s", event)
	}
	var instance any
	if len(bytes.TrimSpace(data)) > 0 {
		instance, err = jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return err
		}
	}
	return schema.Validate(instance)
}
