package shard

import (
	"bytes"
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"github.com/vinayprograms/traitkit/errors"
)

// assignment matches `implementors["<lib>"] = ` in a rustdoc implementor script.
var assignment = regexp.MustCompile(`implementors\[("(?:[^"\\]|\\.)*")\]\s*=\s*`)

// ParseScript extracts the per-library implementor arrays from a rustdoc
// implementor script. Rustdoc scripts carry one trait per file, so every
// descriptor is stamped with traitID.
func ParseScript(traitID string, src []byte) (Payload, error) {
	if traitID == "" {
		return nil, errors.InvalidInput("script parse needs a trait id")
	}

	payload := make(Payload)
	for _, loc := range assignment.FindAllSubmatchIndex(src, -1) {
		var lib string
		if err := json.Unmarshal(src[loc[2]:loc[3]], &lib); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode library name",
				errors.WithTraitID(traitID))
		}

		var descs []Descriptor
		dec := json.NewDecoder(bytes.NewReader(src[loc[1]:]))
		if err := dec.Decode(&descs); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode implementors of "+lib,
				errors.WithTraitID(traitID), errors.WithLibraryID(lib))
		}
		for i := range descs {
			descs[i].TraitID = traitID
		}
		payload[lib] = append(payload[lib], descs...)
	}
	return payload, nil
}

// TraitIDFromPath derives a trait id from a rustdoc implementor file path,
// e.g. "docs/implementors/core/marker/trait.Unpin.js" gives "core::marker::Unpin".
// Both .js scripts and .json payloads are recognised.
func TraitIDFromPath(p string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	if i := strings.LastIndex(p, "implementors/"); i >= 0 {
		p = p[i+len("implementors/"):]
	}

	dir, base := path.Split(p)
	ext := path.Ext(base)
	if ext != ".js" && ext != ".json" {
		return "", false
	}
	name := strings.TrimSuffix(base, ext)
	if !strings.HasPrefix(name, "trait.") {
		return "", false
	}
	name = strings.TrimPrefix(name, "trait.")
	if name == "" {
		return "", false
	}

	var parts []string
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(append(parts, name), "::"), true
}
