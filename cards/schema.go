package cards

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/cardflow/types"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://cardflow.local/schemas/"

var (
	schemasOnce sync.Once
	schemas     map[Kind]*jsonschema.Schema
	schemasErr  error
)

// compiledSchemas compiles the embedded per-kind schemas once.
func compiledSchemas() (map[Kind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		entries, err := fs.ReadDir(schemaFS, "schemas")
		if err != nil {
			schemasErr = fmt.Errorf("read embedded schemas: %w", err)
			return
		}
		for _, entry := range entries {
			data, err := schemaFS.ReadFile("schemas/" + entry.Name())
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", entry.Name(), err)
				return
			}
			var doc any
			if err := json.Unmarshal(data, &doc); err != nil {
				schemasErr = fmt.Errorf("unmarshal schema %s: %w", entry.Name(), err)
				return
			}
			if err := c.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", entry.Name(), err)
				return
			}
		}

		out := make(map[Kind]*jsonschema.Schema, len(Kinds))
		for _, kind := range Kinds {
			sch, err := c.Compile(schemaBaseURL + string(kind) + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Decode parses a single YAML or JSON card document, validates it against the
// schema of its card_type and checks the id prefix.
func Decode(data []byte) (Card, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, types.NewValidationError("", "card is not a YAML/JSON mapping").WithCause(err)
	}
	if raw == nil {
		return nil, types.NewValidationError("", "empty card document")
	}

	id, _ := raw["id"].(string)
	kindName, _ := raw["card_type"].(string)
	kind := Kind(kindName)
	if !kind.Valid() {
		return nil, types.NewValidationError(id, "unknown or missing card_type %q", kindName)
	}

	if err := validateSchema(kind, raw); err != nil {
		return nil, types.NewValidationError(id, "%s card failed schema validation", kind).WithCause(err)
	}

	card, err := newCard(kind)
	if err != nil {
		return nil, types.NewValidationError(id, "%v", err)
	}
	if err := yaml.Unmarshal(data, card); err != nil {
		return nil, types.NewValidationError(id, "decode %s card", kind).WithCause(err)
	}
	if err := checkPrefix(card); err != nil {
		return nil, err
	}
	return normalize(card), nil
}

// Validate re-checks an in-memory card through the same path as Decode.
func Validate(card Card) error {
	if card == nil {
		return types.NewValidationError("", "nil card")
	}
	data, err := Encode(card)
	if err != nil {
		return types.NewValidationError(card.CardID(), "encode card").WithCause(err)
	}
	_, err = Decode(data)
	return err
}

// Encode renders card as YAML, the on-disk format of overlay entries.
func Encode(card Card) ([]byte, error) {
	return yaml.Marshal(card)
}

func validateSchema(kind Kind, raw map[string]any) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := all[kind]
	if !ok {
		return fmt.Errorf("no schema for %s", kind)
	}
	// Round-trip through JSON so the validator sees plain JSON values.
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("card is not JSON-compatible: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(js)))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func checkPrefix(card Card) error {
	prefix := card.Kind().Prefix()
	id := card.CardID()
	if !strings.HasPrefix(id, prefix) || len(id) == len(prefix) {
		return types.NewValidationError(id, "%s card id must carry the %q prefix", card.Kind(), prefix)
	}
	return nil
}

// normalize fills defaults that the schema leaves optional.
func normalize(card Card) Card {
	switch c := card.(type) {
	case *PersonaCard:
		defaultVersion(&c.Header)
	case *TaskCard:
		defaultVersion(&c.Header)
	case *ModelCard:
		defaultVersion(&c.Header)
	case *ProviderConfigCard:
		defaultVersion(&c.Header)
	case *CapabilityCard:
		defaultVersion(&c.Header)
	case *CapabilityBindingCard:
		defaultVersion(&c.Header)
	case *NodeCard:
		defaultVersion(&c.Header)
	case *FlowCard:
		defaultVersion(&c.Header)
		if c.Policy.OnFail == "" {
			c.Policy.OnFail = OnFailHalt
		}
	case *RunProfileCard:
		defaultVersion(&c.Header)
	}
	return card
}

func defaultVersion(h *Header) {
	if h.Version == 0 {
		h.Version = 1
	}
}
