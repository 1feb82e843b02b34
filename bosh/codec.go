// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bosh

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	NamespaceHTTPBind = "http://jabber.org/protocol/httpbind"
	NamespaceXBOSH    = "urn:xmpp:xbosh"
	NamespaceStreams  = "http://etherx.jabber.org/streams"

	namespaceXML = "http://www.w3.org/XML/1998/namespace"
)

// Body is a decoded request envelope. Numeric attributes that are absent or
// unparsable are -1.
type Body struct {
	SID     string
	RID     int64
	Type    string
	Pause   int
	Restart bool

	To     string
	Lang   string
	Ver    string
	Wait   int
	Hold   int
	Secure bool

	// Payloads are the raw bytes of each child element, in document order.
	Payloads [][]byte
}

// Terminate reports whether the client asked to end the session.
func (b *Body) Terminate() bool {
	return b.Type == "terminate"
}

// errMalformed never reaches clients; callers map it to ErrBadRequest.
var errMalformed = errors.New("malformed body")

// DecodeBody parses a request envelope. Every failure is reported as
// ErrBadRequest wrapping a short description; the parser's own error text is
// not included.
func DecodeBody(data []byte) (*Body, error) {
	body, err := decodeBody(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return body, nil
}

func decodeBody(data []byte) (*Body, error) {
	d := xml.NewDecoder(bytes.NewReader(data))

	var body *Body
	depth := 0
	var childStart int64
	for {
		offset := d.InputOffset()
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errMalformed
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if body != nil {
					return nil, errors.New("multiple root elements")
				}
				if t.Name.Local != "body" {
					return nil, errors.New("root element is not body")
				}
				body = decodeAttrs(t.Attr)
			} else if depth == 1 {
				childStart = offset
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 1 {
				raw := data[childStart:d.InputOffset()]
				body.Payloads = append(body.Payloads, append([]byte(nil), raw...))
			}
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return nil, errMalformed
			}
		}
	}
	if body == nil {
		return nil, errors.New("body missing from request content")
	}
	if depth != 0 {
		return nil, errMalformed
	}
	return body, nil
}

func decodeAttrs(attrs []xml.Attr) *Body {
	b := &Body{RID: -1, Pause: -1, Wait: -1, Hold: -1}
	for _, a := range attrs {
		switch a.Name.Space {
		case "":
			switch a.Name.Local {
			case "sid":
				b.SID = a.Value
			case "rid":
				b.RID = parseInt(a.Value)
			case "type":
				b.Type = a.Value
			case "pause":
				b.Pause = parseSeconds(a.Value)
			case "to":
				b.To = a.Value
			case "ver":
				b.Ver = a.Value
			case "wait":
				b.Wait = parseSeconds(a.Value)
			case "hold":
				b.Hold = parseSeconds(a.Value)
			case "secure":
				b.Secure = a.Value == "true"
			}
		case NamespaceXBOSH, "xmpp":
			if a.Name.Local == "restart" {
				b.Restart = a.Value == "true"
			}
		case namespaceXML, "xml":
			if a.Name.Local == "lang" {
				b.Lang = a.Value
			}
		}
	}
	return b
}

func parseInt(s string) int64 {
	if s == "" {
		return -1
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

// parseSeconds reads a 32-bit attribute such as pause or wait. Values out of
// that range are treated as absent.
func parseSeconds(s string) int {
	v := parseInt(s)
	if v > math.MaxInt32 {
		return -1
	}
	return int(v)
}

// EmptyBody is the acknowledgment body with no children.
func EmptyBody() []byte {
	return []byte(`<body xmlns="` + NamespaceHTTPBind + `"/>`)
}

// PayloadBody wraps stanzas in delivery order. No stanzas yields EmptyBody.
func PayloadBody(payloads [][]byte) []byte {
	if len(payloads) == 0 {
		return EmptyBody()
	}
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns="` + NamespaceHTTPBind + `">`)
	for _, p := range payloads {
		buf.Write(p)
	}
	buf.WriteString(`</body>`)
	return buf.Bytes()
}

// ErrorBody renders e for clients at protocol version 1.6 or later.
func ErrorBody(e *BindingError) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns="` + NamespaceHTTPBind + `"`)
	writeAttr(&buf, "type", string(e.Type))
	if e.Condition != "" {
		writeAttr(&buf, "condition", e.Condition)
	}
	buf.WriteString(`/>`)
	return buf.Bytes()
}

// RestartBody answers a stream restart with the current features.
func RestartBody(features []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns="` + NamespaceHTTPBind + `" xmlns:stream="` + NamespaceStreams + `">`)
	writeFeatures(&buf, features)
	buf.WriteString(`</body>`)
	return buf.Bytes()
}

// creationBody answers the request that created s.
func creationBody(s *Session, features []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns="` + NamespaceHTTPBind + `" xmlns:stream="` + NamespaceStreams +
		`" xmlns:xmpp="` + NamespaceXBOSH + `"`)
	writeAttr(&buf, "sid", s.ID())
	writeAttr(&buf, "authid", s.ID())
	writeAttr(&buf, "from", s.ServerName())
	writeAttr(&buf, "wait", seconds(s.wait))
	writeAttr(&buf, "inactivity", seconds(s.inactivity))
	writeAttr(&buf, "polling", seconds(s.polling))
	writeAttr(&buf, "requests", strconv.Itoa(s.hold+1))
	writeAttr(&buf, "hold", strconv.Itoa(s.hold))
	writeAttr(&buf, "maxpause", seconds(s.maxPause))
	writeAttr(&buf, "ver", versionString(s.major, s.minor))
	writeAttr(&buf, "secure", strconv.FormatBool(s.secure))
	writeAttr(&buf, "xmpp:version", "1.0")
	writeAttr(&buf, "xmpp:restartlogic", "true")
	buf.WriteString(`>`)
	writeFeatures(&buf, features)
	buf.WriteString(`</body>`)
	return buf.Bytes()
}

func writeFeatures(buf *bytes.Buffer, features []string) {
	if len(features) == 0 {
		buf.WriteString(`<stream:features/>`)
		return
	}
	buf.WriteString(`<stream:features>`)
	for _, f := range features {
		buf.WriteString(f)
	}
	buf.WriteString(`</stream:features>`)
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteString(" " + name + `="`)
	// EscapeText only fails when the writer does.
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString(`"`)
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

// ScriptWrap renders content for script syntax clients: the body is escaped
// as a JavaScript string literal and passed to _BOSH_.
func ScriptWrap(content []byte) []byte {
	var sb strings.Builder
	sb.Grow(len(content) + 16)
	sb.WriteString(`_BOSH_("`)
	escapeJavaScript(&sb, string(content))
	sb.WriteString(`")`)
	return []byte(sb.String())
}

func escapeJavaScript(sb *strings.Builder, s string) {
	for _, r := range s {
		switch {
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(sb, `\u%04X\u%04X`, hi, lo)
		case r > 0x7f:
			fmt.Fprintf(sb, `\u%04X`, r)
		case r < 32:
			switch r {
			case '\b':
				sb.WriteString(`\b`)
			case '\n':
				sb.WriteString(`\n`)
			case '\t':
				sb.WriteString(`\t`)
			case '\f':
				sb.WriteString(`\f`)
			case '\r':
				sb.WriteString(`\r`)
			default:
				fmt.Fprintf(sb, `\u%04X`, r)
			}
		case r == '\'', r == '"', r == '\\', r == '/':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
}
