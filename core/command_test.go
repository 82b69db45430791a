package core

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
	"testing"

	"servoplex/protocol"
)

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	var called bool
	id := registry.Register("test_command", "arg=%u", func(data *[]byte) error {
		called = true
		return nil
	})
	if id != 0 {
		t.Errorf("Expected first command to have ID 0, got %d", id)
	}

	cmd, ok := registry.GetCommand(id)
	if !ok {
		t.Fatal("Failed to retrieve registered command")
	}
	if cmd.Name != "test_command" {
		t.Errorf("Expected command name 'test_command', got '%s'", cmd.Name)
	}
	if cmd.Signature() != "test_command arg=%u" {
		t.Errorf("Unexpected signature '%s'", cmd.Signature())
	}

	var data []byte
	if err := registry.Dispatch(id, &data); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
	if !called {
		t.Error("Command handler was not called")
	}

	if err := registry.Dispatch(999, &data); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestCommandRegistryIDs(t *testing.T) {
	registry := NewCommandRegistry()

	id1 := registry.Register("command1", "arg1=%u", func(data *[]byte) error { return nil })
	id2 := registry.Register("command2", "arg2=%u", func(data *[]byte) error { return nil })
	id3 := registry.Register("command3", "", nil)
	if id1 != 0 || id2 != 1 || id3 != 2 {
		t.Errorf("Command IDs not sequential: %d, %d, %d", id1, id2, id3)
	}

	if again := registry.Register("command1", "other=%u", nil); again != id1 {
		t.Errorf("Re-registration returned %d, expected %d", again, id1)
	}
	if registry.Count() != 3 {
		t.Errorf("Expected 3 commands, got %d", registry.Count())
	}

	var data []byte
	if err := registry.Dispatch(id3, &data); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Dispatching a response should fail, got %v", err)
	}

	commands, responses := registry.GetCommandsAndResponses()
	if commands["command1 arg1=%u"] != 0 || commands["command2 arg2=%u"] != 1 {
		t.Errorf("Unexpected commands: %v", commands)
	}
	if id, ok := responses["command3"]; !ok || id != 2 {
		t.Errorf("Unexpected responses: %v", responses)
	}
}

func TestCommandWithArguments(t *testing.T) {
	registry := NewCommandRegistry()

	var receivedValue uint32
	var receivedSigned int32
	id := registry.Register("test_args", "value=%u offset=%i", func(data *[]byte) error {
		val, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		receivedValue = val
		receivedSigned, err = protocol.DecodeVLQInt(data)
		return err
	})

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 12345)
	protocol.EncodeVLQInt(output, -321)
	data := output.Result()

	if err := registry.Dispatch(id, &data); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
	if receivedValue != 12345 || receivedSigned != -321 {
		t.Errorf("Expected 12345/-321, got %d/%d", receivedValue, receivedSigned)
	}
}

func TestDictionaryJSONLayout(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register("identify_response", "offset=%u data=%*s", nil)
	registry.Register("identify", "offset=%u count=%c", func(data *[]byte) error { return nil })

	dict := NewDictionary(registry)
	dict.AddConstant("B_CONST", uint32(42))
	dict.AddConstant("A_CONST", "hello")
	dict.AddEnumeration("pin", []string{"gpio0", "", "gpio2"})
	dict.SetVersion("test-1")

	want := `{"version":"test-1","build_versions":"go",` +
		`"config":{"A_CONST":"hello","B_CONST":"42"},` +
		`"commands":{"identify offset=%u count=%c":1},` +
		`"responses":{"identify_response offset=%u data=%*s":0},` +
		`"enumerations":{"pin":{"gpio0":0,"gpio2":2}}}`
	if got := string(dict.Generate()); got != want {
		t.Errorf("Unexpected dictionary:\n got %s\nwant %s", got, want)
	}

	chunk := dict.GetChunk(2, 7)
	if string(chunk) != `version` {
		t.Errorf("Unexpected chunk %q", chunk)
	}
	if len(dict.GetChunk(uint32(len(want)), 10)) != 0 {
		t.Error("Chunk past the end should be empty")
	}
	if got := dict.GetChunk(uint32(len(want)-2), 40); string(got) != "}}" {
		t.Errorf("Expected short final chunk, got %q", got)
	}
}

func TestDictionaryCompression(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register("identify", "offset=%u count=%c", func(data *[]byte) error { return nil })
	dict := NewDictionary(registry)
	plain := string(dict.Generate())

	dict.SetCompression(true)
	packed := dict.Generate()
	if packed[0] != 0x78 {
		t.Fatalf("Expected a zlib stream, got %q", packed)
	}
	r, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		t.Fatalf("zlib header rejected: %v", err)
	}
	inflated, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Inflate failed: %v", err)
	}
	if string(inflated) != plain {
		t.Errorf("Compressed dictionary differs:\n got %s\nwant %s", inflated, plain)
	}
}
