package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vinayprograms/traitkit/errors"
)

// Descriptor is the loosely typed form of an implementation as produced by
// the shard generator. It becomes a Record once its shard passes validation.
type Descriptor struct {
	TraitID        string
	TargetTypeID   string
	SourceText     string
	ConstraintText string
	Synthetic      bool

	// Extra holds every field not listed above, copied verbatim.
	Extra map[string]json.RawMessage
}

// UnmarshalJSON accepts canonical field names (traitId, targetTypeId,
// sourceText, constraintText, synthetic) and the rustdoc names (text, types).
// When no targetTypeId is given, the first entry of types is used. When both
// sourceText and text appear, sourceText wins and text is kept in Extra.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.InvalidInput("descriptor is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return errors.InvalidInput(fmt.Sprintf("descriptor must be an object, got %s", doc.Type))
	}

	*d = Descriptor{}
	var types, text gjson.Result
	hasSource := false

	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "traitId":
			d.TraitID = stringField(value)
		case "targetTypeId":
			d.TargetTypeID = stringField(value)
		case "sourceText":
			d.SourceText = stringField(value)
			hasSource = true
		case "text":
			text = value
		case "constraintText":
			d.ConstraintText = stringField(value)
		case "synthetic":
			d.Synthetic = value.Type == gjson.True
		default:
			if key.String() == "types" {
				types = value
			}
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra[key.String()] = json.RawMessage(value.Raw)
		}
		return true
	})

	if text.Exists() {
		if hasSource {
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra["text"] = json.RawMessage(text.Raw)
		} else {
			d.SourceText = stringField(text)
		}
	}

	if d.TargetTypeID == "" && types.IsArray() {
		if first := types.Get("0"); first.Type == gjson.String {
			d.TargetTypeID = first.String()
		}
	}
	return nil
}

// MarshalJSON writes canonical names followed by the passthrough fields.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Extra)+5)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["traitId"] = d.TraitID
	out["targetTypeId"] = d.TargetTypeID
	out["sourceText"] = d.SourceText
	if d.ConstraintText != "" {
		out["constraintText"] = d.ConstraintText
	}
	out["synthetic"] = d.Synthetic
	return json.Marshal(out)
}

func (d Descriptor) record(libraryID string) Record {
	constraint := d.ConstraintText
	if constraint == "" {
		constraint = ExtractConstraint(d.SourceText)
	}
	return Record{
		TraitID:        d.TraitID,
		TargetTypeID:   d.TargetTypeID,
		LibraryID:      libraryID,
		SourceText:     d.SourceText,
		ConstraintText: constraint,
		Synthetic:      d.Synthetic,
		Extra:          cloneExtra(d.Extra),
	}
}

// stringField returns value as a string, or "" when it is not a JSON string.
func stringField(value gjson.Result) string {
	if value.Type != gjson.String {
		return ""
	}
	return value.String()
}

// ExtractConstraint returns the rendered where-clause span of a rustdoc
// signature, or "" if the signature has none.
func ExtractConstraint(text string) string {
	start := strings.Index(text, `<span class="where`)
	if start < 0 {
		return ""
	}
	end := strings.Index(text[start:], "</span>")
	if end < 0 {
		return text[start:]
	}
	return text[start : start+end+len("</span>")]
}

// Payload maps a library id to its descriptors. It is the unit a shard
// generator emits and the unit loaders hand to the page.
type Payload map[string][]Descriptor

// Libraries returns the payload's library ids, sorted.
func (p Payload) Libraries() []string {
	libs := make([]string, 0, len(p))
	for lib := range p {
		libs = append(libs, lib)
	}
	sort.Strings(libs)
	return libs
}

// Len returns the total number of descriptors across libraries.
func (p Payload) Len() int {
	n := 0
	for _, descs := range p {
		n += len(descs)
	}
	return n
}

// DecodePayload parses a JSON object of library id to descriptor arrays.
func DecodePayload(data []byte) (Payload, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.InvalidInput("payload is not valid JSON")
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, errors.InvalidInput("payload must be an object of library arrays")
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode payload")
	}
	return p, nil
}
