// Package mcu is the host side of a servoplex link: it retrieves the MCU's
// data dictionary and sends typed servo commands by name.
package mcu

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"servoplex/host/serial"
	"servoplex/protocol"
)

// Bootstrap message IDs shared by every firmware build.
const (
	identifyResponseID = 0
	identifyID         = 1
)

const (
	identifyChunk = 40
	maxIdentify   = 1000 // chunks before giving up on a dictionary

	// responsePoll bounds each wait on the transport so ctx is rechecked.
	responsePoll = 50 * time.Millisecond
)

var (
	ErrNoDictionary    = errors.New("dictionary not loaded")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrUnknownResponse = errors.New("unknown response")
	ErrArgCount        = errors.New("wrong number of arguments")
	ErrBadDictionary   = errors.New("malformed dictionary")
)

// Dictionary represents the parsed MCU dictionary
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// Client is a connection to a servoplex MCU.
type Client struct {
	logger    *zap.SugaredLogger
	transport *protocol.HostTransport

	// requestMu keeps a command and the response it waits for together.
	requestMu sync.Mutex

	dictMu    sync.RWMutex
	dict      *Dictionary
	raw       []byte
	commands  map[string]*messageFormat
	responses map[uint16]*messageFormat
}

// Connect opens the serial device described by cfg.
func Connect(cfg *serial.Config, logger *zap.SugaredLogger) (*Client, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	logger.Infow("serial port open", "device", cfg.Device, "baud", cfg.Baud)
	return ConnectPort(port, logger), nil
}

// ConnectPort speaks the protocol on an already open stream.
func ConnectPort(port io.ReadWriteCloser, logger *zap.SugaredLogger) *Client {
	c := &Client{
		logger:    logger,
		transport: protocol.NewHostTransport(port),
	}
	c.transport.SetResponseHandler(c.handleResponse)
	return c
}

// Close closes the transport and its port.
func (c *Client) Close() error {
	return c.transport.Close()
}

// RetrieveDictionary reads the dictionary in identify chunks and parses it.
// Compressed (zlib) dictionaries are inflated first.
func (c *Client) RetrieveDictionary(ctx context.Context) error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < maxIdentify; i++ {
		offset := uint32(buf.Len())
		chunk, err := c.identify(ctx, offset)
		if err != nil {
			return fmt.Errorf("dictionary chunk at %d: %w", offset, err)
		}
		buf.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}
	raw := buf.Bytes()
	c.logger.Debugw("dictionary retrieved", "bytes", len(raw))

	if len(raw) >= 2 && raw[0] == 0x78 {
		inflated, err := inflate(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadDictionary, err)
		}
		c.logger.Debugw("dictionary inflated", "from", len(raw), "to", len(inflated))
		raw = inflated
	}

	dict := &Dictionary{}
	if err := json.Unmarshal(raw, dict); err != nil {
		return fmt.Errorf("%w: %w", ErrBadDictionary, err)
	}
	commands, responses, err := indexDictionary(dict)
	if err != nil {
		return err
	}

	c.dictMu.Lock()
	c.dict, c.raw = dict, raw
	c.commands, c.responses = commands, responses
	c.dictMu.Unlock()

	c.logger.Infow("dictionary loaded",
		"version", dict.Version,
		"commands", len(dict.Commands),
		"responses", len(dict.Responses))
	return nil
}

// identify fetches one dictionary chunk.
func (c *Client) identify(ctx context.Context, offset uint32) ([]byte, error) {
	err := c.transport.SendCommand(identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, identifyChunk)
	})
	if err != nil {
		return nil, err
	}
	data, err := c.receive(ctx, identifyResponseID)
	if err != nil {
		return nil, err
	}
	got, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return nil, err
	}
	if got != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, got)
	}
	return protocol.DecodeVLQBytes(&data)
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// receive waits for the next response with the given ID. Other responses
// are skipped; the response handler has already seen them.
func (c *Client) receive(ctx context.Context, id uint16) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := c.transport.ReceiveResponse(responsePoll)
		if errors.Is(err, protocol.ErrResponseTimeout) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data := msg.Payload
		got, err := protocol.DecodeVLQUint(&data)
		if err != nil || uint16(got) != id {
			continue
		}
		return data, nil
	}
}

// handleResponse runs on the transport's read goroutine.
func (c *Client) handleResponse(cmdID uint16, data *[]byte) error {
	c.dictMu.RLock()
	format, ok := c.responses[cmdID]
	c.dictMu.RUnlock()
	if !ok || format.Name != "shutdown" {
		return nil
	}
	payload := append([]byte(nil), *data...)
	args, err := format.decode(&payload)
	if err != nil {
		return err
	}
	c.logger.Warnw("MCU shut down", "clock", args["clock"])
	return nil
}

// SendCommand sends the named command. args follow the parameter order of
// the command's dictionary format.
func (c *Client) SendCommand(name string, args ...int32) error {
	format, err := c.command(name)
	if err != nil {
		return err
	}
	return c.send(format, args)
}

func (c *Client) send(format *messageFormat, args []int32) error {
	if len(args) != len(format.Params) {
		return fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, format.Name, len(format.Params), len(args))
	}
	for _, p := range format.Params {
		if p.Type == paramBytes {
			return fmt.Errorf("%w: %s has a byte parameter", ErrUnknownCommand, format.Name)
		}
	}
	c.logger.Debugw("send", "command", format.Name, "args", args)
	return c.transport.SendCommand(format.ID, func(output protocol.OutputBuffer) {
		for _, a := range args {
			protocol.EncodeVLQInt(output, a)
		}
	})
}

// Request sends the named command and waits for the named response.
func (c *Client) Request(ctx context.Context, response, name string, args ...int32) (map[string]int32, error) {
	format, err := c.command(name)
	if err != nil {
		return nil, err
	}
	resp, err := c.response(response)
	if err != nil {
		return nil, err
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if err := c.send(format, args); err != nil {
		return nil, err
	}
	data, err := c.receive(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", response, err)
	}
	return resp.decode(&data)
}

func (c *Client) command(name string) (*messageFormat, error) {
	c.dictMu.RLock()
	defer c.dictMu.RUnlock()
	if c.dict == nil {
		return nil, ErrNoDictionary
	}
	format, ok := c.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return format, nil
}

func (c *Client) response(name string) (*messageFormat, error) {
	c.dictMu.RLock()
	defer c.dictMu.RUnlock()
	if c.dict == nil {
		return nil, ErrNoDictionary
	}
	for _, format := range c.responses {
		if format.Name == name {
			return format, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownResponse, name)
}

// Dictionary returns the parsed dictionary, nil before RetrieveDictionary.
func (c *Client) Dictionary() *Dictionary {
	c.dictMu.RLock()
	defer c.dictMu.RUnlock()
	return c.dict
}

// Constant returns a config constant from the dictionary.
func (c *Client) Constant(name string) (string, bool) {
	c.dictMu.RLock()
	defer c.dictMu.RUnlock()
	if c.dict == nil {
		return "", false
	}
	v, ok := c.dict.Config[name]
	return v, ok
}

// PrintDictionary writes a summary of the dictionary to w.
func (c *Client) PrintDictionary(w io.Writer) {
	dict := c.Dictionary()
	if dict == nil {
		fmt.Fprintln(w, "No dictionary loaded")
		return
	}

	fmt.Fprintf(w, "Version: %s\n", dict.Version)
	fmt.Fprintf(w, "Build: %s\n", dict.BuildVersions)

	fmt.Fprintln(w, "\nConfig:")
	for _, k := range sortedKeys(dict.Config) {
		fmt.Fprintf(w, "  %s = %s\n", k, dict.Config[k])
	}
	fmt.Fprintf(w, "\nCommands (%d):\n", len(dict.Commands))
	printByID(w, dict.Commands)
	fmt.Fprintf(w, "\nResponses (%d):\n", len(dict.Responses))
	printByID(w, dict.Responses)
}

func printByID(w io.Writer, ids map[string]int) {
	names := sortedKeys(ids)
	sort.SliceStable(names, func(i, j int) bool { return ids[names[i]] < ids[names[j]] })
	for _, name := range names {
		fmt.Fprintf(w, "  [%d] %s\n", ids[name], name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
