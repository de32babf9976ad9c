// Package encoding implements the canonical parse/serialize contract: bytes
// off the wire become a MailBase tree that a handler can read as ordinary
// Unicode strings, and a MailBase tree becomes bytes that are ASCII-first,
// UTF-8 if that fails, and refused if neither works.
//
// Grounded on salmon's encoding.py (MailBase, ContentEncoding, the
// ASCII-first canonicalization rules) translated to Go idiom: headers are an
// ordered slice instead of an email.message.Message, and MIME structure is
// built with mime/multipart rather than reimplementing RFC 2046 framing.
package encoding

import "strings"

// ContentEncodingKeys are the headers that carry a (value, params) pair
// rather than free text. Accessing any other key through ContentEncoding
// is an error.
var ContentEncodingKeys = map[string]bool{
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Disposition":       true,
	"Mime-Version":              true,
}

// contentEncodingRemovedParams lists parameters stripped from a
// content-encoding value on read; they are serialization artifacts
// recomputed on write.
var contentEncodingRemovedParams = []string{"boundary"}

type headerField struct {
	Key   string
	Value string
}

// Body holds a MailBase's payload. A nil *Body (MailBase.body == nil) means
// no body at all, distinct from a Body with an empty Text.
type Body struct {
	Text   string
	Bytes  []byte
	IsText bool
}

// MailBase is a node in a tree representing a single MIME entity: an
// ordered, case-insensitive header list, an optional body, and zero or more
// child parts. Each node is owned by exactly one parent, or is a root.
type MailBase struct {
	headers []headerField
	body    *Body

	Parts  []*MailBase
	Parent *MailBase
}

// New returns an empty MailBase ready for header/body construction.
func New() *MailBase {
	return &MailBase{}
}

// normalizeHeaderKey title-cases a header key on hyphen boundaries, e.g.
// "content-type" -> "Content-Type". Mirrors string.capwords(key, '-').
func normalizeHeaderKey(key string) string {
	words := strings.Split(key, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + strings.ToLower(string(r[1:]))
	}
	return strings.Join(words, "-")
}

// Get returns the first value stored under key, case-insensitively.
func (m *MailBase) Get(key string) (string, bool) {
	nk := normalizeHeaderKey(key)
	for _, h := range m.headers {
		if h.Key == nk {
			return h.Value, true
		}
	}
	return "", false
}

// GetAll returns every value stored under key, in insertion order.
func (m *MailBase) GetAll(key string) []string {
	nk := normalizeHeaderKey(key)
	var out []string
	for _, h := range m.headers {
		if h.Key == nk {
			out = append(out, h.Value)
		}
	}
	return out
}

// Set replaces all values under key with a single value, preserving the
// position of the first existing occurrence (or appending if key is new).
func (m *MailBase) Set(key, value string) {
	nk := normalizeHeaderKey(key)
	out := make([]headerField, 0, len(m.headers)+1)
	replaced := false
	for _, h := range m.headers {
		if h.Key != nk {
			out = append(out, h)
			continue
		}
		if !replaced {
			out = append(out, headerField{nk, value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, headerField{nk, value})
	}
	m.headers = out
}

// Append adds a header value without replacing any existing ones under the
// same key, allowing duplicates (e.g. multiple Received headers).
func (m *MailBase) Append(key, value string) {
	m.headers = append(m.headers, headerField{normalizeHeaderKey(key), value})
}

// Del removes every value stored under key.
func (m *MailBase) Del(key string) {
	nk := normalizeHeaderKey(key)
	out := m.headers[:0:0]
	for _, h := range m.headers {
		if h.Key != nk {
			out = append(out, h)
		}
	}
	m.headers = out
}

// Keys returns the distinct, normalized header keys in first-seen order.
func (m *MailBase) Keys() []string {
	seen := make(map[string]bool, len(m.headers))
	var out []string
	for _, h := range m.headers {
		if !seen[h.Key] {
			seen[h.Key] = true
			out = append(out, h.Key)
		}
	}
	return out
}

// Len reports the total number of header fields, including duplicates.
func (m *MailBase) Len() int { return len(m.headers) }

// Body returns the node's payload, or nil if it has none.
func (m *MailBase) Body() *Body { return m.body }

// SetText sets a text body.
func (m *MailBase) SetText(s string) { m.body = &Body{Text: s, IsText: true} }

// SetBytes sets a binary body.
func (m *MailBase) SetBytes(b []byte) { m.body = &Body{Bytes: b} }

// ClearBody removes the body entirely (distinct from setting an empty one).
func (m *MailBase) ClearBody() { m.body = nil }

// ContentEncoding parses key (one of ContentEncodingKeys) into its
// lowercased value and parameter map, with the boundary parameter stripped.
func (m *MailBase) ContentEncoding(key string) (string, map[string]string, error) {
	nk := normalizeHeaderKey(key)
	if !ContentEncodingKeys[nk] {
		return "", nil, &EncodingError{Kind: InvalidEncodedWord, Detail: nk + " is not a content-encoding header"}
	}
	raw, ok := m.Get(nk)
	if !ok {
		return "", map[string]string{}, nil
	}
	value, params, err := parseParamHeader(raw)
	if err != nil {
		return "", nil, &EncodingError{Kind: MalformedContentType, Detail: raw, Err: err}
	}
	value = strings.ToLower(value)
	for _, p := range contentEncodingRemovedParams {
		delete(params, p)
	}
	return value, params, nil
}

// SetContentEncoding serializes (value, params) and stores it under key.
func (m *MailBase) SetContentEncoding(key, value string, params map[string]string) error {
	nk := normalizeHeaderKey(key)
	if !ContentEncodingKeys[nk] {
		return &EncodingError{Kind: InvalidEncodedWord, Detail: nk + " is not a content-encoding header"}
	}
	m.Del(nk)
	m.Set(nk, formatParamHeader(value, params))
	return nil
}

// AttachFile adds a child part carrying raw attachment data with a filename.
func (m *MailBase) AttachFile(filename string, data []byte, ctype, disposition string) *MailBase {
	part := &MailBase{Parent: m}
	part.SetBytes(data)
	part.SetContentEncoding("Content-Type", ctype, map[string]string{"name": filename})
	part.SetContentEncoding("Content-Disposition", disposition, map[string]string{"filename": filename})
	m.Parts = append(m.Parts, part)
	return part
}

// AttachText adds a child part carrying a text body with no filename.
func (m *MailBase) AttachText(data, ctype string) *MailBase {
	part := &MailBase{Parent: m}
	part.SetText(data)
	part.SetContentEncoding("Content-Type", ctype, map[string]string{})
	m.Parts = append(m.Parts, part)
	return part
}

// Walk visits every descendant part in pre-order (depth first).
func (m *MailBase) Walk(fn func(*MailBase)) {
	for _, p := range m.Parts {
		fn(p)
		p.Walk(fn)
	}
}
