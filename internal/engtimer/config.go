package engtimer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// syncConfigSchema constrains user-edited sync configs before they are
// accepted. Column names are free-form strings; the schema only rules out
// structurally broken documents (missing writeback property, databases
// without title/status columns).
const syncConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["writeBackProp", "projectDatabases", "taskDatabases"],
  "properties": {
    "isRealMode": {"type": "boolean"},
    "writeBackProp": {"type": "string", "minLength": 1},
    "defaultUnassignedProjectName": {"type": "string"},
    "projectDatabases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["titleProp", "statusProp"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "titleProp": {"type": "string", "minLength": 1},
          "statusProp": {"type": "string", "minLength": 1},
          "categoryProp": {"type": "string"},
          "priorityProp": {"type": "string"}
        }
      }
    },
    "taskDatabases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["titleProp", "statusProp"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "titleProp": {"type": "string", "minLength": 1},
          "statusProp": {"type": "string", "minLength": 1},
          "projectProp": {"type": "string"},
          "priorityProp": {"type": "string"}
        }
      }
    }
  }
}`

var (
	syncConfigSchemaOnce     sync.Once
	syncConfigSchemaCompiled *jsonschema.Schema
	syncConfigSchemaErr      error
)

func compiledSyncConfigSchema() (*jsonschema.Schema, error) {
	syncConfigSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(syncConfigSchema))
		if err != nil {
			syncConfigSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("syncconfig.json", doc); err != nil {
			syncConfigSchemaErr = err
			return
		}
		syncConfigSchemaCompiled, syncConfigSchemaErr = compiler.Compile("syncconfig.json")
	})
	return syncConfigSchemaCompiled, syncConfigSchemaErr
}

// ValidateSyncConfig checks a config against the schema.
func ValidateSyncConfig(cfg SyncConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return ValidateSyncConfigJSON(data)
}

// ValidateSyncConfigJSON validates a raw config document, reporting
// schema violations as ErrInvalidInput.
func ValidateSyncConfigJSON(data []byte) error {
	schema, err := compiledSyncConfigSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// LoadSyncConfigFile reads and validates a sync config from disk. Used by
// the server's bootstrap/hot-reload path.
func LoadSyncConfigFile(path string) (SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SyncConfig{}, err
	}
	if err := ValidateSyncConfigJSON(data); err != nil {
		return SyncConfig{}, err
	}
	var cfg SyncConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return SyncConfig{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return cfg, nil
}
