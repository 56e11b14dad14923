package codec

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbx-controller/message"
	"gbx-controller/value"
)

func TestGetCodec(t *testing.T) {
	c, err := GetCodec(CodecTypeXML)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeXML, c.Type())

	_, err = GetCodec(CodecType(9))
	assert.Error(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	c := XMLCodec{}
	call := &message.Call{
		Method: "ChatSendServerMessageToLogin",
		Params: []value.Value{value.String("hi <b>&</b>"), value.String("login1")},
	}
	data, err := c.EncodeCall(call)
	require.NoError(t, err)

	got, err := c.DecodeCall(data)
	require.NoError(t, err)
	assert.Equal(t, call.Method, got.Method)
	require.Len(t, got.Params, 2)
	for i := range call.Params {
		assert.True(t, value.Equal(call.Params[i], got.Params[i]), "param %d", i)
	}
}

func TestCallWithoutParams(t *testing.T) {
	got, err := XMLCodec{}.DecodeCall([]byte(`<?xml version="1.0"?><methodCall><methodName>GetPlayerList</methodName></methodCall>`))
	require.NoError(t, err)
	assert.Equal(t, "GetPlayerList", got.Method)
	assert.Empty(t, got.Params)
}

func TestDecodeEventDocument(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<methodCall>
  <methodName>ManiaPlanet.PlayerConnect</methodName>
  <params>
    <param><value><string>login1</string></value></param>
    <param><value><boolean>0</boolean></value></param>
  </params>
</methodCall>`
	got, err := XMLCodec{}.DecodeCall([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "ManiaPlanet.PlayerConnect", got.Method)
	assert.Equal(t, []value.Value{value.String("login1"), value.Bool(false)}, got.Params)
}

func TestResponseRoundTrip(t *testing.T) {
	c := XMLCodec{}
	players := value.List{
		value.NewRecord(value.Field{Name: "login", Value: value.String("a")}),
		value.NewRecord(value.Field{Name: "login", Value: value.String("b")}),
	}
	data, err := c.EncodeResponse(&message.Response{Result: players})
	require.NoError(t, err)

	got, err := c.DecodeResponse(data)
	require.NoError(t, err)
	assert.Nil(t, got.Fault)
	assert.True(t, value.Equal(players, got.Result))
}

func TestFaultResponse(t *testing.T) {
	c := XMLCodec{}
	data, err := c.EncodeResponse(&message.Response{Fault: &value.Fault{Code: 10, Message: "PlayerNotFound"}})
	require.NoError(t, err)

	got, err := c.DecodeResponse(data)
	require.NoError(t, err)
	assert.Nil(t, got.Result)
	require.NotNil(t, got.Fault)
	assert.Equal(t, 10, got.Fault.Code)
	assert.Equal(t, "PlayerNotFound", got.Fault.Message)
}

func TestEmptyParamsIsNil(t *testing.T) {
	got, err := XMLCodec{}.DecodeResponse([]byte(`<methodResponse><params></params></methodResponse>`))
	require.NoError(t, err)
	assert.Equal(t, value.Nil{}, got.Result)
}

func TestDecodeScalars(t *testing.T) {
	cases := []struct {
		doc  string
		want value.Value
	}{
		{`<value><i4>-7</i4></value>`, value.Int(-7)},
		{`<value><int> 42 </int></value>`, value.Int(42)},
		{`<value><i8>9007199254740993</i8></value>`, value.Int(9007199254740993)},
		{`<value><boolean>1</boolean></value>`, value.Bool(true)},
		{`<value><double>-0.5</double></value>`, value.Double(-0.5)},
		{`<value>bare text</value>`, value.String("bare text")},
		{`<value></value>`, value.String("")},
		{`<value><string/></value>`, value.String("")},
		{`<value><string>  padded  </string></value>`, value.String("  padded  ")},
		{`<value><base64>aGVs
bG8=</base64></value>`, value.Binary("hello")},
		{`<value><nil/></value>`, value.Nil{}},
		{`<value><array><data/></array></value>`, value.List{}},
		{`<value><struct></struct></value>`, value.NewRecord()},
	}
	for _, tc := range cases {
		got, err := XMLCodec{}.DecodeValue([]byte(tc.doc))
		require.NoError(t, err, tc.doc)
		assert.True(t, value.Equal(tc.want, got), "%s: got %#v", tc.doc, got)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		doc  string
		want error
	}{
		{`<value><base64>!!!not base64</base64></value>`, ErrInvalidEncoding},
		{`<value><dateTime.iso8601>20240101T00:00:00</dateTime.iso8601></value>`, ErrUnsupportedConstruct},
		{`<value><widget/></value>`, ErrUnsupportedConstruct},
		{`<value><int>12x</int></value>`, ErrMalformed},
		{`<value><boolean>yes</boolean></value>`, ErrMalformed},
		{`<value><int>1</int>`, ErrMalformed},
		{`<value>text<int>1</int></value>`, ErrMalformed},
		{`<value><struct><member><name>a</name><value>1</value></member><member><name>a</name><value>2</value></member></struct></value>`, ErrMalformed},
		{`<nope/>`, ErrMalformed},
	}
	for _, tc := range cases {
		_, err := XMLCodec{}.DecodeValue([]byte(tc.doc))
		require.Error(t, err, tc.doc)
		assert.ErrorIs(t, err, tc.want, tc.doc)
		assert.ErrorIs(t, err, ErrCodec, tc.doc)
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	cases := []string{
		`<methodCall><methodName>x</methodName></methodCall>`,
		`<methodResponse></methodResponse>`,
		`<methodResponse><params><param><value>a</value></param><param><value>b</value></param></params></methodResponse>`,
		`<methodResponse><fault><value><struct><member><name>faultCode</name><value>ten</value></member></struct></value></fault></methodResponse>`,
		`<methodResponse><fault><value><string>boom</string></value></fault></methodResponse>`,
		``,
	}
	for _, doc := range cases {
		_, err := XMLCodec{}.DecodeResponse([]byte(doc))
		assert.ErrorIs(t, err, ErrMalformed, doc)
	}
}

func TestDepthLimit(t *testing.T) {
	doc := strings.Repeat("<value><array><data>", maxDepth+1) +
		"<value>x</value>" +
		strings.Repeat("</data></array></value>", maxDepth+1)
	_, err := XMLCodec{}.DecodeValue([]byte(doc))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLargeIntegersUseI8(t *testing.T) {
	data, err := XMLCodec{}.EncodeValue(value.Int(math.MaxInt32 + 1))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<i8>")

	data, err = XMLCodec{}.EncodeValue(value.Int(-1))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<int>-1</int>")
}

// TestRandomRoundTrip checks decode(encode(v)) == v over generated trees.
func TestTextXMLCannotCarry(t *testing.T) {
	c := XMLCodec{}
	for _, text := range []string{"ctl\x01x", "nul\x00x", "bad\xffutf8", "\x1b[0m", "\uFFFE"} {
		_, err := c.EncodeValue(value.String(text))
		assert.ErrorIs(t, err, ErrUnsupportedConstruct, "%q", text)
		assert.ErrorIs(t, err, ErrCodec, "%q", text)

		_, err = c.EncodeValue(value.NewRecord(value.Field{Name: text, Value: value.Int(1)}))
		assert.ErrorIs(t, err, ErrUnsupportedConstruct, "member %q", text)

		_, err = c.EncodeCall(&message.Call{Method: text})
		assert.ErrorIs(t, err, ErrUnsupportedConstruct, "method %q", text)

		_, err = c.EncodeResponse(&message.Response{Result: value.List{value.String(text)}})
		assert.ErrorIs(t, err, ErrUnsupportedConstruct, "response %q", text)
	}

	// whitespace controls and astral runes survive
	for _, text := range []string{"a\rb", "a\r\nb", "tab\there", "\U0001F3C1 flag", "\uFFFD"} {
		data, err := c.EncodeValue(value.String(text))
		require.NoError(t, err, "%q", text)
		got, err := c.DecodeValue(data)
		require.NoError(t, err)
		assert.True(t, value.Equal(value.String(text), got), "%q came back as %#v", text, got)
	}
}

func TestRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := XMLCodec{}
	encoded := 0
	for i := 0; i < 500; i++ {
		v := randomValue(rng, 0)
		data, err := c.EncodeValue(v)
		if err != nil {
			// only text carrying a control character may be refused
			require.ErrorIs(t, err, ErrUnsupportedConstruct, "iteration %d", i)
			continue
		}
		encoded++
		got, err := c.DecodeValue(data)
		require.NoError(t, err, string(data))
		require.True(t, value.Equal(v, got), "iteration %d\n%s", i, data)

		// Re-encoding the decoded tree gives the same document: record
		// member order survives decoding.
		again, err := c.EncodeValue(got)
		require.NoError(t, err)
		require.Equal(t, string(data), string(again))
	}
	assert.Greater(t, encoded, 100)
}

func randomValue(rng *rand.Rand, depth int) value.Value {
	n := 8
	if depth > 3 {
		n = 6 // scalars only
	}
	switch rng.Intn(n) {
	case 0:
		return value.Int(rng.Int63() - rng.Int63())
	case 1:
		return value.Bool(rng.Intn(2) == 1)
	case 2:
		specials := []float64{0, -1.25, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(1), math.NaN()}
		if rng.Intn(3) == 0 {
			return value.Double(specials[rng.Intn(len(specials))])
		}
		return value.Double(rng.NormFloat64() * 1e6)
	case 3:
		return value.String(randomText(rng))
	case 4:
		b := make([]byte, rng.Intn(40))
		rng.Read(b)
		return value.Binary(b)
	case 5:
		return value.Nil{}
	case 6:
		list := make(value.List, rng.Intn(4))
		for i := range list {
			list[i] = randomValue(rng, depth+1)
		}
		return list
	default:
		rec := value.NewRecord()
		for i, k := 0, rng.Intn(4); i < k; i++ {
			rec.Set(fmt.Sprintf("f%d_%s", i, randomText(rng)), randomValue(rng, depth+1))
		}
		return rec
	}
}

func randomText(rng *rand.Rand) string {
	alphabet := []rune("ab <>&\"'\t\r\né$Ω漢 ")
	n := rng.Intn(12)
	out := make([]rune, n)
	for i := range out {
		out[i] = alphabet[rng.Intn(len(alphabet))]
	}
	if n > 0 && rng.Intn(10) == 0 {
		out[rng.Intn(n)] = '\x01'
	}
	return string(out)
}
