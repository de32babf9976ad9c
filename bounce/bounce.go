// Package bounce implements the Bounce Analyzer (C2): it walks every MIME
// part of a message collecting values for a fixed set of DSN headers and
// derives a probability score, RFC 3463 status codes, and references to the
// sub-parts that carry the human-readable notification, the machine-readable
// delivery report, and the original message.
//
// Grounded on salmon's bounce.py: header set, scoring formula, and the
// status-code tables are reproduced exactly.
package bounce

import (
	"regexp"
	"strconv"

	"github.com/emersion/go-message"
)

// dsnHeaders is the fixed header set scanned on every MIME part. Order does
// not matter for scoring; it is fixed only for deterministic iteration.
var dsnHeaders = []string{
	"Action",
	"Content-Description",
	"Diagnostic-Code",
	"Final-Recipient",
	"Received",
	"Remote-Mta",
	"Reporting-Mta",
	"Status",
}

// bounceMatchers mirrors BOUNCE_MATCHERS: each DSN header's value must parse
// under this pattern to count toward the score beyond mere presence.
var bounceMatchers = map[string]*regexp.Regexp{
	"Action":               regexp.MustCompile(`(?is)(failed|delayed|delivered|relayed|expanded)`),
	"Content-Description":  regexp.MustCompile(`(?is)(Notification|Undelivered Message|Delivery Report)`),
	"Diagnostic-Code":      regexp.MustCompile(`(?is)(.+);\s*([0-9\-.]+)?\s*(.*)`),
	"Final-Recipient":      regexp.MustCompile(`(?is)(.+);\s*(.*)`),
	"Received":             regexp.MustCompile(`(?is)(.+)`),
	"Remote-Mta":           regexp.MustCompile(`(?is)(.+);\s*(.*)`),
	"Reporting-Mta":        regexp.MustCompile(`(?is)(.+);\s*(.*)`),
	"Status":               regexp.MustCompile(`(?is)([0-9]+)\.([0-9]+)\.([0-9]+)`),
}

var bounceMax = float64(len(dsnHeaders)) * 2.0

// PrimaryStatusCodes maps the first digit of a DSN Status header.
var PrimaryStatusCodes = map[int]string{
	1: "Unknown Status Code 1",
	2: "Success",
	3: "Temporary Failure",
	4: "Persistent Transient Failure",
	5: "Permanent Failure",
}

// SecondaryStatusCodes maps the second digit of a DSN Status header.
var SecondaryStatusCodes = map[int]string{
	0: "Other or Undefined Status",
	1: "Addressing Status",
	2: "Mailbox Status",
	3: "Mail System Status",
	4: "Network and Routing Status",
	5: "Mail Delivery Protocol Status",
	6: "Message Content or Media Status",
	7: "Security or Policy Status",
}

// CombinedStatusCodes maps the second+third digits of a DSN Status header.
var CombinedStatusCodes = map[int]string{
	0:  "Not Applicable",
	10: "Other address status",
	11: "Bad destination mailbox address",
	12: "Bad destination system address",
	13: "Bad destination mailbox address syntax",
	14: "Destination mailbox address ambiguous",
	15: "Destination mailbox address valid",
	16: "Mailbox has moved",
	17: "Bad sender's mailbox address syntax",
	18: "Bad sender's system address",

	20: "Other or undefined mailbox status",
	21: "Mailbox disabled, not accepting messages",
	22: "Mailbox full",
	23: "Message length exceeds administrative limit.",
	24: "Mailing list expansion problem",

	30: "Other or undefined mail system status",
	31: "Mail system full",
	32: "System not accepting network messages",
	33: "System not capable of selected features",
	34: "Message too big for system",

	40: "Other or undefined network or routing status",
	41: "No answer from host",
	42: "Bad connection",
	43: "Routing server failure",
	44: "Unable to route",
	45: "Network congestion",
	46: "Routing loop detected",
	47: "Delivery time expired",

	50: "Other or undefined protocol status",
	51: "Invalid command",
	52: "Syntax error",
	53: "Too many recipients",
	54: "Invalid command arguments",
	55: "Wrong protocol version",

	60: "Other or undefined media error",
	61: "Media not supported",
	62: "Conversion required and prohibited",
	63: "Conversion required but not supported",
	64: "Conversion with loss performed",
	65: "Conversion failed",

	70: "Other or undefined security status",
	71: "Delivery not authorized, message refused",
	72: "Mailing list expansion prohibited",
	73: "Security conversion required but not possible",
	74: "Security features not supported",
	75: "Cryptographic failure",
	76: "Cryptographic algorithm not supported",
	77: "Message integrity failure",
}

// StatusCode is a (code, label) pair, e.g. (5, "Permanent Failure").
// Unset is represented by Code == -1.
type StatusCode struct {
	Code  int
	Label string
}

func unsetCode() StatusCode { return StatusCode{Code: -1} }

// Analysis is the result of scoring a message as a possible DSN.
type Analysis struct {
	Score float64

	Primary  StatusCode
	Secondary StatusCode
	Combined StatusCode

	RemoteMTA      string
	ReportingMTA   string
	FinalRecipient string
	DiagnosticCode string

	Action string

	// ContentParts maps a lowercased Content-Description value to the part
	// that carried it.
	ContentParts map[string]*message.Entity

	Original     *message.Entity
	Report       *message.Entity
	Notification *message.Entity
}

// Probable reports whether the score exceeds threshold. Use 0.3 (DefaultThreshold)
// for the conservative default the original analyzer uses.
const DefaultThreshold = 0.3

func (a *Analysis) Probable(threshold float64) bool {
	return a.Score > threshold
}

// IsHard reports a probable bounce with a permanent-failure-class primary status.
func (a *Analysis) IsHard() bool {
	return a.Probable(DefaultThreshold) && a.Primary.Code > 4
}

// IsSoft is the converse of IsHard among probable bounces.
func (a *Analysis) IsSoft() bool {
	return a.Probable(DefaultThreshold) && a.Primary.Code <= 4 && a.Primary.Code >= 0
}

// ErrorForHumans renders the status codes as a short, human-readable
// explanation, or a fallback string when no Status header was found.
func (a *Analysis) ErrorForHumans() string {
	if a.Primary.Code < 0 {
		return "No status codes found in bounce message."
	}
	return a.Primary.Label + ", " + a.Secondary.Label + ", " + a.Combined.Label
}

type collected struct {
	values []string
	parts  map[string]*message.Entity // only used for Content-Description
}

// Analyze walks every part of msg and scores it as a possible DSN.
func Analyze(msg *message.Entity) (*Analysis, error) {
	found := make(map[string]*collected, len(dsnHeaders))
	contentParts := make(map[string]*message.Entity)

	err := msg.Walk(func(path []int, part *message.Entity, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		for _, h := range dsnHeaders {
			v := part.Header.Get(h)
			if v == "" {
				continue
			}
			c := found[h]
			if c == nil {
				c = &collected{}
				found[h] = c
			}
			c.values = append(c.values, v)
			if h == "Content-Description" {
				contentParts[lower(v)] = part
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		Primary:      unsetCode(),
		Secondary:    unsetCode(),
		Combined:     unsetCode(),
		ContentParts: contentParts,
	}

	var score float64
	matched := make(map[string][][]string, len(found))
	for h, c := range found {
		score++
		re := bounceMatchers[h]
		var groups [][]string
		for _, v := range c.values {
			m := re.FindStringSubmatch(v)
			if m != nil {
				groups = append(groups, m[1:])
			}
		}
		if len(groups) > 0 {
			score += float64(len(groups)) / float64(len(c.values))
			matched[h] = groups
		}
	}
	a.Score = score / bounceMax

	if g, ok := matched["Status"]; ok {
		primary, _ := strconv.Atoi(g[0][0])
		secondary, _ := strconv.Atoi(g[0][1])
		combined, _ := strconv.Atoi(g[0][1] + g[0][2])
		a.Primary = StatusCode{primary, PrimaryStatusCodes[primary]}
		a.Secondary = StatusCode{secondary, SecondaryStatusCodes[secondary]}
		a.Combined = StatusCode{combined, CombinedStatusCodes[combined]}
	}
	if g, ok := matched["Remote-Mta"]; ok {
		a.RemoteMTA = g[0][1]
	}
	if g, ok := matched["Reporting-Mta"]; ok {
		a.ReportingMTA = g[0][1]
	}
	if g, ok := matched["Final-Recipient"]; ok {
		a.FinalRecipient = g[0][1]
	}
	if g, ok := matched["Diagnostic-Code"]; ok {
		a.DiagnosticCode = g[0][len(g[0])-1]
	}
	if g, ok := matched["Action"]; ok {
		a.Action = g[0][0]
	}

	a.Original = firstChild(contentParts["undelivered message"])
	a.Report = contentParts["delivery report"]
	a.Notification = contentParts["notification"]

	return a, nil
}

func firstChild(e *message.Entity) *message.Entity {
	if e == nil {
		return nil
	}
	mr := e.MultipartReader()
	if mr == nil {
		return e
	}
	child, err := mr.NextPart()
	if err != nil {
		return e
	}
	return child
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
