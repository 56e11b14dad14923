package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"gbx-controller/message"
	"gbx-controller/value"
)

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

	// maxDepth bounds value nesting so a hostile document cannot exhaust
	// the stack of the receive goroutine.
	maxDepth = 64
)

// XMLCodec implements Codec with XML-RPC documents.
type XMLCodec struct{}

func (XMLCodec) Type() CodecType { return CodecTypeXML }

func (XMLCodec) EncodeCall(c *message.Call) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodCall><methodName>")
	if err := escape(&buf, c.Method); err != nil {
		return nil, fmt.Errorf("method name: %w", err)
	}
	buf.WriteString("</methodName><params>")
	for _, p := range c.Params {
		buf.WriteString("<param>")
		if err := writeValue(&buf, p); err != nil {
			return nil, err
		}
		buf.WriteString("</param>")
	}
	buf.WriteString("</params></methodCall>")
	return buf.Bytes(), nil
}

func (XMLCodec) EncodeResponse(r *message.Response) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodResponse>")
	if r.Fault != nil {
		buf.WriteString("<fault>")
		if err := writeValue(&buf, r.Fault.Record()); err != nil {
			return nil, err
		}
		buf.WriteString("</fault>")
	} else {
		buf.WriteString("<params><param>")
		if err := writeValue(&buf, r.Result); err != nil {
			return nil, err
		}
		buf.WriteString("</param></params>")
	}
	buf.WriteString("</methodResponse>")
	return buf.Bytes(), nil
}

// EncodeValue renders a single <value> element.
func (XMLCodec) EncodeValue(v value.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (XMLCodec) DecodeCall(data []byte) (*message.Call, error) {
	d := newDecoder(data)
	if err := d.root("methodCall"); err != nil {
		return nil, err
	}
	if err := d.expectStart("methodName"); err != nil {
		return nil, err
	}
	name, err := d.text("methodName")
	if err != nil {
		return nil, err
	}
	call := &message.Call{Method: strings.TrimSpace(name)}
	if call.Method == "" {
		return nil, fmt.Errorf("%w: empty methodName", ErrMalformed)
	}

	tok, err := d.element()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case xml.StartElement:
		if t.Name.Local != "params" {
			return nil, unexpected(t)
		}
		if call.Params, err = d.params(); err != nil {
			return nil, err
		}
		return call, d.expectEnd("methodCall")
	case xml.EndElement:
		if t.Name.Local != "methodCall" {
			return nil, unexpected(t)
		}
	}
	return call, nil
}

func (XMLCodec) DecodeResponse(data []byte) (*message.Response, error) {
	d := newDecoder(data)
	if err := d.root("methodResponse"); err != nil {
		return nil, err
	}
	tok, err := d.element()
	if err != nil {
		return nil, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("%w: empty methodResponse", ErrMalformed)
	}

	resp := &message.Response{}
	switch start.Name.Local {
	case "fault":
		if resp.Fault, err = d.fault(); err != nil {
			return nil, err
		}
	case "params":
		params, err := d.params()
		if err != nil {
			return nil, err
		}
		switch len(params) {
		case 0:
			resp.Result = value.Nil{}
		case 1:
			resp.Result = params[0]
		default:
			return nil, fmt.Errorf("%w: %d params in methodResponse", ErrMalformed, len(params))
		}
	default:
		return nil, unexpected(start)
	}
	return resp, d.expectEnd("methodResponse")
}

// DecodeValue parses a single <value> element.
func (XMLCodec) DecodeValue(data []byte) (value.Value, error) {
	d := newDecoder(data)
	if err := d.root("value"); err != nil {
		return nil, err
	}
	return d.value()
}

func writeValue(buf *bytes.Buffer, v value.Value) error {
	buf.WriteString("<value>")
	switch x := v.(type) {
	case nil, value.Nil:
		buf.WriteString("<nil/>")
	case value.Int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			buf.WriteString("<int>")
			buf.WriteString(strconv.FormatInt(int64(x), 10))
			buf.WriteString("</int>")
		} else {
			buf.WriteString("<i8>")
			buf.WriteString(strconv.FormatInt(int64(x), 10))
			buf.WriteString("</i8>")
		}
	case value.Bool:
		if x {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case value.Double:
		buf.WriteString("<double>")
		buf.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 64))
		buf.WriteString("</double>")
	case value.String:
		buf.WriteString("<string>")
		if err := escape(buf, string(x)); err != nil {
			return err
		}
		buf.WriteString("</string>")
	case value.Binary:
		buf.WriteString("<base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(x))
		buf.WriteString("</base64>")
	case value.List:
		buf.WriteString("<array><data>")
		for _, item := range x {
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
	case *value.Record:
		buf.WriteString("<struct>")
		for _, f := range x.Fields() {
			buf.WriteString("<member><name>")
			if err := escape(buf, f.Name); err != nil {
				return fmt.Errorf("member name: %w", err)
			}
			buf.WriteString("</name>")
			if err := writeValue(buf, f.Value); err != nil {
				return err
			}
			buf.WriteString("</member>")
		}
		buf.WriteString("</struct>")
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrUnsupportedConstruct, v)
	}
	buf.WriteString("</value>")
	return nil
}

// escape writes s as character data. Runes outside the XML 1.0 Char
// production and invalid UTF-8 are refused, not replaced with U+FFFD.
func escape(buf *bytes.Buffer, s string) error {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return fmt.Errorf("%w: invalid UTF-8 at byte %d", ErrUnsupportedConstruct, i)
		}
		if !isXMLChar(r) {
			return fmt.Errorf("%w: character %U at byte %d", ErrUnsupportedConstruct, r, i)
		}
		i += size
	}
	return xml.EscapeText(buf, []byte(s))
}

func isXMLChar(r rune) bool {
	switch {
	case r == '\t', r == '\n', r == '\r':
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

type decoder struct {
	d     *xml.Decoder
	depth int
}

func newDecoder(data []byte) *decoder {
	return &decoder{d: xml.NewDecoder(bytes.NewReader(data))}
}

func (d *decoder) token() (xml.Token, error) {
	tok, err := d.d.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tok, nil
}

// element returns the next start or end element, skipping whitespace,
// comments and processing instructions. Stray text is malformed.
func (d *decoder) element() (xml.Token, error) {
	for {
		tok, err := d.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement, xml.EndElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, fmt.Errorf("%w: unexpected text %q", ErrMalformed, truncate(string(t)))
			}
		}
	}
}

func (d *decoder) root(name string) error {
	return d.expectStart(name)
}

func (d *decoder) expectStart(name string) error {
	tok, err := d.element()
	if err != nil {
		return err
	}
	if t, ok := tok.(xml.StartElement); ok && t.Name.Local == name {
		return nil
	}
	return fmt.Errorf("%w: expected <%s>, got %s", ErrMalformed, name, describe(tok))
}

func (d *decoder) expectEnd(name string) error {
	tok, err := d.element()
	if err != nil {
		return err
	}
	if t, ok := tok.(xml.EndElement); ok && t.Name.Local == name {
		return nil
	}
	return fmt.Errorf("%w: expected </%s>, got %s", ErrMalformed, name, describe(tok))
}

// text reads character data up to the end of the element name.
func (d *decoder) text(name string) (string, error) {
	var sb strings.Builder
	for {
		tok, err := d.token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			return "", fmt.Errorf("%w: element <%s> inside <%s>", ErrMalformed, t.Name.Local, name)
		case xml.EndElement:
			if t.Name.Local != name {
				return "", unexpected(t)
			}
			return sb.String(), nil
		}
	}
}

// params reads <param><value/></param>* up to </params>.
func (d *decoder) params() ([]value.Value, error) {
	params := []value.Value{}
	for {
		tok, err := d.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local != "params" {
				return nil, unexpected(t)
			}
			return params, nil
		case xml.StartElement:
			if t.Name.Local != "param" {
				return nil, unexpected(t)
			}
			if err := d.expectStart("value"); err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			if err := d.expectEnd("param"); err != nil {
				return nil, err
			}
			params = append(params, v)
		}
	}
}

func (d *decoder) fault() (*value.Fault, error) {
	if err := d.expectStart("value"); err != nil {
		return nil, err
	}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if err := d.expectEnd("fault"); err != nil {
		return nil, err
	}
	f := &value.Fault{}
	err = value.FieldsOf(v).
		Int("faultCode", &f.Code, true).
		String("faultString", &f.Message, true).
		Err()
	if err != nil {
		return nil, fmt.Errorf("%w: fault: %v", ErrMalformed, err)
	}
	return f, nil
}

// value decodes the content of a <value> element whose start tag has been
// consumed, including its end tag. Bare text is a string.
func (d *decoder) value() (value.Value, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}

	var sb strings.Builder
	for {
		tok, err := d.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local != "value" {
				return nil, unexpected(t)
			}
			return value.String(sb.String()), nil
		case xml.StartElement:
			if strings.TrimSpace(sb.String()) != "" {
				return nil, fmt.Errorf("%w: mixed content in <value>", ErrMalformed)
			}
			v, err := d.typed(t)
			if err != nil {
				return nil, err
			}
			return v, d.expectEnd("value")
		}
	}
}

func (d *decoder) typed(start xml.StartElement) (value.Value, error) {
	name := start.Name.Local
	switch name {
	case "int", "i4", "i8":
		s, err := d.text(name)
		if err != nil {
			return nil, err
		}
		// <int> is 32-bit by the letter of XML-RPC, but some servers put
		// 64-bit values in it; accept them rather than drop the frame.
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: <%s>%s", ErrMalformed, name, truncate(s))
		}
		return value.Int(n), nil
	case "boolean":
		s, err := d.text(name)
		if err != nil {
			return nil, err
		}
		switch strings.TrimSpace(s) {
		case "1":
			return value.Bool(true), nil
		case "0":
			return value.Bool(false), nil
		}
		return nil, fmt.Errorf("%w: <boolean>%s", ErrMalformed, truncate(s))
	case "double":
		s, err := d.text(name)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: <double>%s", ErrMalformed, truncate(s))
		}
		return value.Double(f), nil
	case "string":
		s, err := d.text(name)
		if err != nil {
			return nil, err
		}
		return value.String(s), nil
	case "base64":
		s, err := d.text(name)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(stripSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrInvalidEncoding, err)
		}
		return value.Binary(raw), nil
	case "nil":
		if err := d.expectEnd("nil"); err != nil {
			return nil, err
		}
		return value.Nil{}, nil
	case "array":
		return d.array()
	case "struct":
		return d.record()
	}
	return nil, fmt.Errorf("%w: <%s>", ErrUnsupportedConstruct, name)
}

func (d *decoder) array() (value.Value, error) {
	list := value.List{}
	tok, err := d.element()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case xml.EndElement:
		if t.Name.Local == "array" {
			return list, nil
		}
		return nil, unexpected(t)
	case xml.StartElement:
		if t.Name.Local != "data" {
			return nil, unexpected(t)
		}
	}
	for {
		tok, err := d.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local != "data" {
				return nil, unexpected(t)
			}
			return list, d.expectEnd("array")
		case xml.StartElement:
			if t.Name.Local != "value" {
				return nil, unexpected(t)
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
	}
}

func (d *decoder) record() (value.Value, error) {
	rec := value.NewRecord()
	for {
		tok, err := d.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local != "struct" {
				return nil, unexpected(t)
			}
			return rec, nil
		case xml.StartElement:
			if t.Name.Local != "member" {
				return nil, unexpected(t)
			}
			if err := d.expectStart("name"); err != nil {
				return nil, err
			}
			name, err := d.text("name")
			if err != nil {
				return nil, err
			}
			if rec.Has(name) {
				return nil, fmt.Errorf("%w: duplicate member %q", ErrMalformed, name)
			}
			if err := d.expectStart("value"); err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			if err := d.expectEnd("member"); err != nil {
				return nil, err
			}
			rec.Set(name, v)
		}
	}
}

func unexpected(tok xml.Token) error {
	return fmt.Errorf("%w: unexpected %s", ErrMalformed, describe(tok))
}

func describe(tok xml.Token) string {
	switch t := tok.(type) {
	case xml.StartElement:
		return "<" + t.Name.Local + ">"
	case xml.EndElement:
		return "</" + t.Name.Local + ">"
	}
	return fmt.Sprintf("%T", tok)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

func truncate(s string) string {
	const limit = 32
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
