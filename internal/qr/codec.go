package qr

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
)

// PayloadKind tags the decoded payload union.
type PayloadKind string

const (
	// KindPatient identifies a patient wristband payload.
	KindPatient PayloadKind = "patient"
	// KindBatch identifies an administration batch payload.
	KindBatch PayloadKind = "batch"
	// KindInvalid identifies undecodable input.
	KindInvalid PayloadKind = "invalid"
)

// InvalidReason explains why a payload failed to decode.
type InvalidReason string

const (
	// ReasonEmpty marks blank input.
	ReasonEmpty InvalidReason = "EMPTY"
	// ReasonNotJSON marks input that fails the structural parse.
	ReasonNotJSON InvalidReason = "NOT_JSON"
	// ReasonUnsupportedVersion marks a payload with an unknown wire version.
	ReasonUnsupportedVersion InvalidReason = "UNSUPPORTED_VERSION"
	// ReasonNotPatient marks a patient payload without a patient object.
	ReasonNotPatient InvalidReason = "NOT_PATIENT"
	// ReasonNoKey marks a patient payload missing both name and MRN.
	ReasonNoKey InvalidReason = "NO_KEY"
	// ReasonNoPatient marks a batch payload without a patient object.
	ReasonNoPatient InvalidReason = "NO_PATIENT"
	// ReasonNoMeds marks a batch payload without any usable medication name.
	ReasonNoMeds InvalidReason = "NO_MEDS"
	// ReasonNoTime marks a batch payload without a scheduled time.
	ReasonNoTime InvalidReason = "NO_TIME"
	// ReasonUnknownType marks a payload that is neither patient nor batch shaped.
	ReasonUnknownType InvalidReason = "UNKNOWN_TYPE"
)

// Payload is the tagged union produced by Parse. Downstream code switches on
// Kind instead of re-inspecting raw fields.
type Payload interface {
	Kind() PayloadKind
}

// PatientRef carries the display identity encoded in a payload.
type PatientRef struct {
	Name string
	Room string
	MRN  string
}

// Key returns the composite identity key for the reference.
func (ref PatientRef) Key() string {
	return mar.PatientKey(ref.Name, ref.Room, ref.MRN)
}

// PatientPayload identifies one patient.
type PatientPayload struct {
	Facility string
	Patient  PatientRef
}

// Kind returns KindPatient.
func (PatientPayload) Kind() PayloadKind { return KindPatient }

// BatchPayload describes one intended administration event.
type BatchPayload struct {
	Facility string
	Patient  PatientRef
	Time     string
	Meds     []string
	BatchID  string
	Raw      string
}

// Kind returns KindBatch.
func (BatchPayload) Kind() PayloadKind { return KindBatch }

// InvalidPayload reports a decode failure with a stable reason code.
type InvalidPayload struct {
	Reason InvalidReason
}

// Kind returns KindInvalid.
func (InvalidPayload) Kind() PayloadKind { return KindInvalid }

// query parameters probed when the decoded text is a URL
var payloadQueryParams = []string{"d", "data", "payload", "qr"}

const base64Prefix = "B64:"

type wirePatient struct {
	Name *string `json:"name"`
	Room *string `json:"room"`
	MRN  *string `json:"mrn"`
}

type wirePayload struct {
	V        int          `json:"v"`
	Type     string       `json:"type"`
	Facility *string      `json:"facility"`
	Patient  *wirePatient `json:"patient"`
	Time     *string      `json:"time"`
	Meds     []string     `json:"meds"`
	BatchID  *string      `json:"batchId"`
}

// Parse turns raw decoded text of unknown shape into a tagged payload. Every
// failure path yields InvalidPayload; Parse never panics.
func Parse(raw string) Payload {
	text := sanitizeText(raw)
	if text == "" {
		return InvalidPayload{Reason: ReasonEmpty}
	}

	text = normalizeWrapping(text)
	if !objectShaped(text) {
		return InvalidPayload{Reason: ReasonNotJSON}
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return InvalidPayload{Reason: ReasonNotJSON}
	}
	if wire.V != 0 && wire.V != 1 {
		return InvalidPayload{Reason: ReasonUnsupportedVersion}
	}

	switch wire.Type {
	case string(KindPatient):
		return parsePatient(wire)
	case string(KindBatch):
		return parseBatch(wire, text)
	case "":
		if wire.Patient != nil && wire.Meds == nil && wire.Time == nil {
			return parsePatient(wire)
		}
		if wire.Patient != nil && wire.Meds != nil && wire.Time != nil {
			return parseBatch(wire, text)
		}
		return InvalidPayload{Reason: ReasonUnknownType}
	default:
		return InvalidPayload{Reason: ReasonUnknownType}
	}
}

func parsePatient(wire wirePayload) Payload {
	if wire.Patient == nil {
		return InvalidPayload{Reason: ReasonNotPatient}
	}
	ref := patientRef(wire.Patient)
	if ref.Name == "" && ref.MRN == "" {
		return InvalidPayload{Reason: ReasonNoKey}
	}
	return PatientPayload{
		Facility: optional(wire.Facility),
		Patient:  ref,
	}
}

func parseBatch(wire wirePayload, raw string) Payload {
	if wire.Patient == nil {
		return InvalidPayload{Reason: ReasonNoPatient}
	}
	meds := make([]string, 0, len(wire.Meds))
	for _, med := range wire.Meds {
		if cleaned := sanitizeText(med); cleaned != "" {
			meds = append(meds, cleaned)
		}
	}
	if len(meds) == 0 {
		return InvalidPayload{Reason: ReasonNoMeds}
	}
	scheduled := optional(wire.Time)
	if scheduled == "" {
		return InvalidPayload{Reason: ReasonNoTime}
	}
	return BatchPayload{
		Facility: optional(wire.Facility),
		Patient:  patientRef(wire.Patient),
		Time:     scheduled,
		Meds:     meds,
		BatchID:  optional(wire.BatchID),
		Raw:      raw,
	}
}

func patientRef(wire *wirePatient) PatientRef {
	return PatientRef{
		Name: optional(wire.Name),
		Room: optional(wire.Room),
		MRN:  optional(wire.MRN),
	}
}

func optional(value *string) string {
	if value == nil {
		return ""
	}
	return sanitizeText(*value)
}

// sanitizeText strips control characters and surrounding whitespace.
func sanitizeText(value string) string {
	var builder strings.Builder
	builder.Grow(len(value))
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			continue
		}
		builder.WriteRune(r)
	}
	return strings.TrimSpace(builder.String())
}

func objectShaped(text string) bool {
	return strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")
}

// normalizeWrapping peels tolerated transport wrappers off the decoded text:
// URL query parameters, one level of percent-encoding, a base64 prefix, and
// an embedded object span inside surrounding noise.
func normalizeWrapping(text string) string {
	if objectShaped(text) {
		return text
	}

	if extracted, ok := extractFromURL(text); ok {
		text = sanitizeText(extracted)
	}

	if !objectShaped(text) && strings.Contains(text, "%") {
		if decoded, err := url.QueryUnescape(text); err == nil {
			text = sanitizeText(decoded)
		}
	}

	if !objectShaped(text) {
		if tail, ok := cutBase64Prefix(text); ok {
			if decoded, err := base64.StdEncoding.DecodeString(tail); err == nil {
				text = sanitizeText(string(decoded))
			}
		}
	}

	if !objectShaped(text) {
		if span, ok := extractObjectSpan(text); ok {
			text = span
		}
	}

	return text
}

func extractFromURL(text string) (string, bool) {
	if !strings.Contains(text, "://") {
		return "", false
	}
	parsed, err := url.Parse(text)
	if err != nil || parsed.Scheme == "" {
		return "", false
	}
	query := parsed.Query()
	for _, param := range payloadQueryParams {
		if value := query.Get(param); value != "" {
			return value, true
		}
	}
	return "", false
}

func cutBase64Prefix(text string) (string, bool) {
	if tail, ok := strings.CutPrefix(text, base64Prefix); ok {
		return tail, true
	}
	if index := strings.Index(text, "base64,"); index >= 0 {
		return text[index+len("base64,"):], true
	}
	return "", false
}

func extractObjectSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
