package encoding

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	htmlcharset "golang.org/x/net/html/charset"
)

// ErrorKind classifies an EncodingError.
type ErrorKind int

const (
	UnknownCharset ErrorKind = iota
	DecodeFailed
	MalformedContentType
	InvalidEncodedWord
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownCharset:
		return "UnknownCharset"
	case DecodeFailed:
		return "DecodeFailed"
	case MalformedContentType:
		return "MalformedContentType"
	case InvalidEncodedWord:
		return "InvalidEncodedWord"
	default:
		return "Unknown"
	}
}

// EncodingError is returned for every failure mode in this package: a
// charset that cannot be found or trusted, a body that cannot be decoded
// even after statistical detection, a Content-Type that cannot be
// constructed, or an encoded-word token that does not parse.
type EncodingError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *EncodingError) Unwrap() error { return e.Err }

var addressHeaders = map[string]bool{
	"From":         true,
	"To":           true,
	"Delivered-To": true,
	"Cc":           true,
	"Bcc":          true,
}

// Parse parses data as RFC 5322 / MIME and returns the resulting MailBase
// tree, decoding RFC 2047 encoded-words and part charsets along the way.
func Parse(data []byte) (*MailBase, error) {
	e, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &EncodingError{Kind: MalformedContentType, Err: err}
	}
	return fromEntity(e, nil)
}

func fromEntity(e *message.Entity, parent *MailBase) (*MailBase, error) {
	m := &MailBase{Parent: parent}

	fields := e.Header.Fields()
	for fields.Next() {
		decoded, err := decodeHeaderValue(fields.Value())
		if err != nil {
			return nil, err
		}
		m.headers = append(m.headers, headerField{normalizeHeaderKey(fields.Key()), decoded})
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, &EncodingError{Kind: MalformedContentType, Err: err}
			}
			child, err := fromEntity(part, m)
			if err != nil {
				return nil, err
			}
			m.Parts = append(m.Parts, child)
		}
		return m, nil
	}

	raw, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, &EncodingError{Kind: DecodeFailed, Err: err}
	}
	if len(raw) == 0 {
		return m, nil
	}

	ctype, params, _ := m.ContentEncoding("Content-Type")
	if ctype == "" || strings.HasPrefix(ctype, "text/") {
		charset := params["charset"]
		text, err := decodeBody(charset, raw)
		if err != nil {
			return nil, err
		}
		m.SetText(text)
	} else {
		m.SetBytes(raw)
	}
	return m, nil
}

// Serialize canonicalizes m (ASCII first, else UTF-8, else refuse) and
// returns the resulting wire bytes.
func Serialize(m *MailBase) ([]byte, error) {
	if err := canonicalize(m); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeEntity(&buf, m); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if bytes.Contains(out, []byte("From nobody")) {
		return nil, &EncodingError{Kind: MalformedContentType, Detail: "generated message contains an unescaped envelope marker"}
	}
	return out, nil
}

// canonicalize resolves each node's final Content-Type (defaulting to
// multipart/mixed or text/plain, assigning a fresh boundary to any node with
// children) and, for leaf nodes, the final body bytes and transfer encoding.
func canonicalize(m *MailBase) error {
	ctype, params, err := m.ContentEncoding("Content-Type")
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]string{}
	}

	if len(m.Parts) > 0 {
		if ctype == "" {
			ctype = "multipart/mixed"
		} else if !strings.HasPrefix(ctype, "multipart") && !strings.HasPrefix(ctype, "message") {
			return &EncodingError{Kind: MalformedContentType, Detail: "content type should be multipart or message, not " + ctype}
		}
		boundary, err := randomBoundary()
		if err != nil {
			return &EncodingError{Kind: MalformedContentType, Err: err}
		}
		params["boundary"] = boundary
		if err := m.SetContentEncoding("Content-Type", ctype, params); err != nil {
			return err
		}
		for _, part := range m.Parts {
			if err := canonicalize(part); err != nil {
				return err
			}
		}
		return nil
	}

	if ctype == "" {
		ctype = "text/plain"
	}
	body, cte, err := canonicalBody(m, ctype, params)
	if err != nil {
		return err
	}
	if err := m.SetContentEncoding("Content-Type", ctype, params); err != nil {
		return err
	}
	if cte != "" {
		m.Set("Content-Transfer-Encoding", cte)
	}
	if body != nil {
		m.body = &Body{Bytes: body}
	}
	return nil
}

func canonicalBody(m *MailBase, ctype string, params map[string]string) ([]byte, string, error) {
	b := m.body
	if b == nil {
		return nil, "", nil
	}
	var raw []byte
	if b.IsText {
		raw = []byte(b.Text)
	} else {
		raw = b.Bytes
	}

	existingCTE, _, _ := m.ContentEncoding("Content-Transfer-Encoding")

	if strings.HasPrefix(ctype, "text/") {
		switch existingCTE {
		case "quoted-printable":
			return qpEncode(raw), "quoted-printable", nil
		case "base64":
			return base64Encode(raw), "base64", nil
		default:
			if isASCII(string(raw)) {
				return raw, "", nil
			}
			params["charset"] = "utf-8"
			return qpEncode(raw), "quoted-printable", nil
		}
	}

	if existingCTE == "quoted-printable" {
		return qpEncode(raw), "quoted-printable", nil
	}
	return base64Encode(raw), "base64", nil
}

func qpEncode(raw []byte) []byte {
	var buf bytes.Buffer
	qw := quotedprintable.NewWriter(&buf)
	qw.Write(raw)
	qw.Close()
	return buf.Bytes()
}

func base64Encode(raw []byte) []byte {
	enc := base64.StdEncoding
	out := make([]byte, enc.EncodedLen(len(raw)))
	enc.Encode(out, raw)
	return wrap76(out)
}

func wrap76(b []byte) []byte {
	var buf bytes.Buffer
	for len(b) > 76 {
		buf.Write(b[:76])
		buf.WriteString("\r\n")
		b = b[76:]
	}
	buf.Write(b)
	return buf.Bytes()
}

func writeEntity(w io.Writer, m *MailBase) error {
	hdr, err := headerLines(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	return writeBody(w, m)
}

func writeBody(w io.Writer, m *MailBase) error {
	if len(m.Parts) > 0 {
		// ContentEncoding strips the boundary, so read it from the raw header
		// that canonicalize wrote.
		rawCtype, _ := m.Get("Content-Type")
		_, params, _ := parseParamHeader(rawCtype)
		mw := multipart.NewWriter(w)
		if err := mw.SetBoundary(params["boundary"]); err != nil {
			return &EncodingError{Kind: MalformedContentType, Err: err}
		}
		for _, part := range m.Parts {
			phdr, err := headerFields(part)
			if err != nil {
				return err
			}
			pw, err := mw.CreatePart(phdr)
			if err != nil {
				return &EncodingError{Kind: MalformedContentType, Err: err}
			}
			if err := writeBody(pw, part); err != nil {
				return err
			}
		}
		return mw.Close()
	}
	if m.body != nil {
		_, err := w.Write(m.body.Bytes)
		return err
	}
	return nil
}

func headerLines(m *MailBase) ([]byte, error) {
	var buf bytes.Buffer
	for _, h := range m.headers {
		encoded, err := encodeHeaderValue(h.Key, h.Value)
		if err != nil {
			return nil, err
		}
		buf.WriteString(h.Key)
		buf.WriteString(": ")
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

func headerFields(m *MailBase) (textproto.MIMEHeader, error) {
	out := make(textproto.MIMEHeader, len(m.headers))
	for _, h := range m.headers {
		encoded, err := encodeHeaderValue(h.Key, h.Value)
		if err != nil {
			return nil, err
		}
		out.Add(h.Key, encoded)
	}
	return out, nil
}

// encodeHeaderValue implements the outgoing canonicalization rule: ASCII if
// it fits, else an RFC 2047 encoded-word in UTF-8 — with the address literal
// of a From/To/Cc/Bcc/Delivered-To header kept outside the encoded word.
func encodeHeaderValue(key, value string) (string, error) {
	if isASCII(value) {
		return value, nil
	}
	if addressHeaders[key] {
		if name, addr, ok := splitDisplayNameAddress(value); ok {
			return fmt.Sprintf(`"%s" <%s>`, mime.BEncoding.Encode("utf-8", name), addr), nil
		}
	}
	return mime.BEncoding.Encode("utf-8", value), nil
}

func splitDisplayNameAddress(value string) (name, addr string, ok bool) {
	if a, err := mail.ParseAddress(value); err == nil {
		return a.Name, a.Address, true
	}
	trimmed := strings.TrimSpace(value)
	if i := strings.LastIndex(trimmed, "<"); i >= 0 && strings.HasSuffix(trimmed, ">") {
		return strings.TrimSpace(trimmed[:i]), strings.TrimSuffix(trimmed[i+1:], ">"), true
	}
	return "", "", false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

var encodedWordRe = regexp.MustCompile(`(?i)=\?([a-z0-9\-_]+)\?([bq])\?([^?]*)\?=`)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	r, err := htmlcharset.NewReaderLabel(label, input)
	if err != nil {
		return nil, &EncodingError{Kind: UnknownCharset, Detail: label, Err: err}
	}
	return r, nil
}

// decodeHeaderValue decodes every =?CHARSET?E?DATA?= token in raw. If the
// declared charset is wrong or unsupported, it falls back to statistically
// detecting the charset of each token's raw bytes; if that also fails, the
// header is reported as a bad email via EncodingError.
func decodeHeaderValue(raw string) (string, error) {
	if !strings.Contains(raw, "=?") {
		return raw, nil
	}
	if decoded, err := wordDecoder.DecodeHeader(raw); err == nil {
		return decoded, nil
	}
	return decodeHeaderByDetection(raw)
}

func decodeHeaderByDetection(raw string) (string, error) {
	matches := encodedWordRe.FindAllStringSubmatchIndex(raw, -1)
	if matches == nil {
		return "", &EncodingError{Kind: InvalidEncodedWord, Detail: raw}
	}
	var out strings.Builder
	last := 0
	for _, g := range matches {
		out.WriteString(raw[last:g[0]])
		declaredCharset := raw[g[2]:g[3]]
		enc := raw[g[4]:g[5]]
		data := raw[g[6]:g[7]]

		payload, err := decodeWordPayload(enc, data)
		if err != nil {
			return "", &EncodingError{Kind: InvalidEncodedWord, Detail: raw, Err: err}
		}
		text, err := decodeBody(declaredCharset, payload)
		if err != nil {
			text, err = statisticalDecode(payload)
			if err != nil {
				return "", &EncodingError{Kind: DecodeFailed, Detail: raw, Err: err}
			}
		}
		out.WriteString(text)
		last = g[1]
	}
	out.WriteString(raw[last:])
	return out.String(), nil
}

func decodeWordPayload(enc, data string) ([]byte, error) {
	switch strings.ToUpper(enc) {
	case "B":
		return base64.StdEncoding.DecodeString(data)
	case "Q":
		return decodeQWord(data)
	default:
		return nil, fmt.Errorf("unknown encoded-word encoding %q", enc)
	}
}

// decodeQWord decodes RFC 2047 "Q" encoding: like quoted-printable, but an
// underscore stands for a space.
func decodeQWord(data string) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < len(data); i++ {
		switch c := data[i]; {
		case c == '_':
			buf.WriteByte(' ')
		case c == '=':
			if i+2 >= len(data) {
				return nil, fmt.Errorf("truncated Q-encoding in %q", data)
			}
			v, err := strconv.ParseUint(data[i+1:i+3], 16, 8)
			if err != nil {
				return nil, err
			}
			buf.WriteByte(byte(v))
			i += 2
		default:
			buf.WriteByte(c)
		}
	}
	return buf.Bytes(), nil
}

// decodeBody decodes raw bytes declared to be in charsetName. An empty
// charsetName is treated as US-ASCII/UTF-8.
func decodeBody(charsetName string, raw []byte) (string, error) {
	if charsetName == "" {
		if utf8.Valid(raw) {
			return string(raw), nil
		}
		return statisticalDecode(raw)
	}
	enc, _ := htmlcharset.Lookup(charsetName)
	if enc == nil {
		if strings.EqualFold(charsetName, "utf-8") || strings.EqualFold(charsetName, "us-ascii") || strings.EqualFold(charsetName, "ascii") {
			if utf8.Valid(raw) {
				return string(raw), nil
			}
		}
		return statisticalDecode(raw)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return statisticalDecode(raw)
	}
	return string(decoded), nil
}

// statisticalDecode implements the "codec lies" fallback: chardet in the
// original, golang.org/x/net/html/charset's statistical detector here.
func statisticalDecode(raw []byte) (string, error) {
	enc, name, _ := htmlcharset.DetermineEncoding(raw, "")
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", &EncodingError{Kind: DecodeFailed, Detail: name, Err: err}
	}
	return string(decoded), nil
}

func parseParamHeader(raw string) (string, map[string]string, error) {
	value, params, err := mime.ParseMediaType(raw)
	if err != nil {
		// Many content headers (Mime-Version, bare Content-Transfer-Encoding)
		// are not a true media type; treat them as a value with no params.
		return strings.TrimSpace(raw), map[string]string{}, nil
	}
	return value, params, nil
}

func formatParamHeader(value string, params map[string]string) string {
	if len(params) == 0 {
		return value
	}
	return mime.FormatMediaType(value, params)
}

func randomBoundary() (string, error) {
	var buf [16]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf[:]), nil
}
