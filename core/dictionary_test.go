package core

import (
	"encoding/json"
	"testing"
)

func TestDictionaryJSON(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register("identify_response", "offset=%u data=%*s", nil)
	registry.Register("identify", "offset=%u count=%c", func(data *[]byte) error { return nil })

	dict := NewDictionary(registry)
	dict.AddConstant("PIO_BLOCKS", uint32(2))
	dict.AddEnumeration("pio_fifo_join", []string{"none", "rx", "tx"})
	dict.BuildDictionary()

	var parsed struct {
		Version      string                    `json:"version"`
		Config       map[string]string         `json:"config"`
		Commands     map[string]int            `json:"commands"`
		Responses    map[string]int            `json:"responses"`
		Enumerations map[string]map[string]int `json:"enumerations"`
	}
	if err := json.Unmarshal(dict.Generate(), &parsed); err != nil {
		t.Fatalf("Dictionary is not valid JSON: %v\n%s", err, dict.Generate())
	}

	if parsed.Version != "piohal-0.1.0" {
		t.Errorf("Expected version piohal-0.1.0, got %q", parsed.Version)
	}
	if parsed.Config["PIO_BLOCKS"] != "2" {
		t.Errorf("Expected PIO_BLOCKS=2, got %q", parsed.Config["PIO_BLOCKS"])
	}
	if id, ok := parsed.Commands["identify offset=%u count=%c"]; !ok || id != 1 {
		t.Errorf("Expected identify with ID 1, got %v", parsed.Commands)
	}
	if id, ok := parsed.Responses["identify_response offset=%u data=%*s"]; !ok || id != 0 {
		t.Errorf("Expected identify_response with ID 0, got %v", parsed.Responses)
	}
	if parsed.Enumerations["pio_fifo_join"]["tx"] != 2 {
		t.Errorf("Expected tx=2 in enumeration, got %v", parsed.Enumerations)
	}
}

func TestDictionaryChunks(t *testing.T) {
	dict := NewDictionary(NewCommandRegistry())
	dict.AddConstant("TEST", uint32(123))
	full := dict.Generate()

	var joined []byte
	for offset := uint32(0); ; offset += 10 {
		chunk := dict.GetChunk(offset, 10)
		if len(chunk) > 10 {
			t.Fatalf("Chunk too large: %d bytes", len(chunk))
		}
		joined = append(joined, chunk...)
		if len(chunk) < 10 {
			break
		}
	}
	if string(joined) != string(full) {
		t.Errorf("Chunks do not reassemble the dictionary")
	}

	if chunk := dict.GetChunk(uint32(len(full)+100), 10); len(chunk) != 0 {
		t.Error("Chunk beyond end should be empty")
	}
}
