package hapwled

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// fields of the /win XML response we care about
	FIELD_BRIGHTNESS  = "ac" // master brightness, 0-255
	FIELD_PRESET      = "ps" // currently active preset, 0 if none
	FIELD_DESCRIPTION = "ds" // server description (device name)

	// root element of the /win XML response
	WLED_ROOT_ELEMENT = "vs"

	// default per-request timeout
	WLED_REQUEST_TIMEOUT = 5 * time.Second
)

// Values accepted by the T= power parameter
const (
	PowerOff    = 0
	PowerOn     = 1
	PowerToggle = 2
)

var (
	ErrEmptyResponse  = fmt.Errorf("empty response body")
	ErrUnexpectedRoot = fmt.Errorf("unexpected XML root element")
)

// Returned when the device could not be reached, or answered with a non-2xx status.
type NetworkError struct {
	Address string
	Status  string // set for HTTP status failures
	Err     error  // set for transport failures
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wled %s: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("wled %s: request failed: %s", e.Address, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Returned when the response body is not a WLED status document.
type ParseError struct {
	Address string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wled %s: cannot parse status: %v", e.Address, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// A single element of the status document, in document order.
type Field struct {
	Name string
	Text string
}

// Normalized status record parsed from one response.
// Multi-valued elements (cl, cs) appear once per occurrence.
type Status struct {
	Fields []Field
}

// Returns the text content of the first field with the given name.
func (s *Status) Text(name string) (string, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Text, true
		}
	}
	return "", false
}

// Returns the numeric value of the named field.
// All non-digit characters are stripped before conversion; an empty or
// missing result is 0.
func (s *Status) Int(name string) int {
	text, _ := s.Text(name)
	return parseDigits(text)
}

func parseDigits(text string) int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, text)

	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// Query strings appended to the /win endpoint
const QueryStatus = ""

func PowerQuery(mode int) string     { return fmt.Sprintf("&T=%d", mode) }
func BrightnessQuery(raw int) string { return fmt.Sprintf("&A=%d", raw) }
func PresetQuery(preset int) string  { return fmt.Sprintf("&PL=%d", preset) }

func statusURL(address, query string) string { return "http://" + address + "/win" + query }

// HTTP client for the WLED /win status API.
type Client struct {
	HTTPClient *http.Client
	Metrics    *Metrics
}

// Creates a Client with the given per-request timeout.
// A zero timeout uses WLED_REQUEST_TIMEOUT.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = WLED_REQUEST_TIMEOUT
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Issues a GET to http://<address>/win<query> and parses the response.
// Fails with *NetworkError or *ParseError.
func (c *Client) FetchStatus(ctx context.Context, address, query string) (*Status, error) {
	status, err := c.fetchStatus(ctx, address, query)
	c.Metrics.observeRequest(query, err)
	return status, err
}

func (c *Client) fetchStatus(ctx context.Context, address, query string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(address, query), nil)
	if err != nil {
		return nil, &NetworkError{Address: address, Err: err}
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &NetworkError{Address: address, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &NetworkError{Address: address, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Address: address, Err: err}
	}

	status, err := parseStatus(body)
	if err != nil {
		return nil, &ParseError{Address: address, Err: err}
	}
	return status, nil
}

// Parses a WLED XML status document:
//
//	<vs><ac>128</ac><cl>255</cl>...<ps>2</ps>...<ds>WLED</ds></vs>
func parseStatus(body []byte) (*Status, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyResponse
	}

	dec := xml.NewDecoder(bytes.NewReader(body))

	var (
		status  Status
		depth   int
		sawRoot bool
		cur     *Field
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				if sawRoot || t.Name.Local != WLED_ROOT_ELEMENT {
					return nil, fmt.Errorf("%w: %q", ErrUnexpectedRoot, t.Name.Local)
				}
				sawRoot = true
			case depth == 2:
				status.Fields = append(status.Fields, Field{Name: t.Name.Local})
				cur = &status.Fields[len(status.Fields)-1]
			}

		case xml.EndElement:
			if depth == 2 {
				cur.Text = strings.TrimSpace(cur.Text)
				cur = nil
			}
			depth--

		case xml.CharData:
			if depth == 2 && cur != nil {
				cur.Text += string(t)
			}
		}
	}

	if !sawRoot {
		return nil, ErrUnexpectedRoot
	}
	return &status, nil
}
