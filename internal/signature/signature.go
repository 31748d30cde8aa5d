// Package signature parses and renders the human-readable event/method
// signatures used in event mappings: "Name(type1 name1, type2 name2, ...)".
// The "indexed" qualifier on event parameters is recognised but does not
// change encoding/decoding semantics for the core.
package signature

import (
	"fmt"
	"strings"
)

// Parameter is one entry in a parsed signature's parameter list.
type Parameter struct {
	Type    string
	Name    string
	Indexed bool
}

// Signature is a parsed "Name(type1 name1, type2 name2, ...)" declaration.
type Signature struct {
	Name   string
	Params []Parameter
}

// Parse parses a signature of the form "Name(type1 name1, type2 name2, ...)".
// Whitespace around commas and parentheses is ignored.
func Parse(raw string) (*Signature, error) {
	raw = strings.TrimSpace(raw)
	open := strings.IndexByte(raw, '(')
	if open < 0 || !strings.HasSuffix(raw, ")") {
		return nil, fmt.Errorf("signature: malformed declaration %q", raw)
	}
	name := strings.TrimSpace(raw[:open])
	if name == "" {
		return nil, fmt.Errorf("signature: missing name in %q", raw)
	}
	body := strings.TrimSpace(raw[open+1 : len(raw)-1])

	sig := &Signature{Name: name}
	if body == "" {
		return sig, nil
	}

	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("signature: empty parameter in %q", raw)
		}
		fields := strings.Fields(part)
		switch len(fields) {
		case 2:
			sig.Params = append(sig.Params, Parameter{Type: fields[0], Name: fields[1]})
		case 3:
			if fields[1] != "indexed" {
				return nil, fmt.Errorf("signature: unexpected qualifier %q in %q", fields[1], raw)
			}
			sig.Params = append(sig.Params, Parameter{Type: fields[0], Name: fields[2], Indexed: true})
		default:
			return nil, fmt.Errorf("signature: cannot parse parameter %q in %q", part, raw)
		}
	}
	return sig, nil
}

// Render is the inverse of Parse, up to whitespace and the indexed marker
// normalising to a single canonical form.
func (s *Signature) Render() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Type)
		if p.Indexed {
			b.WriteString(" indexed")
		}
		b.WriteByte(' ')
		b.WriteString(p.Name)
	}
	b.WriteByte(')')
	return b.String()
}

// Types returns the parameter types in order, as needed for ABI packing and
// for computing an event's topic0 hash.
func (s *Signature) Types() []string {
	types := make([]string, len(s.Params))
	for i, p := range s.Params {
		types[i] = p.Type
	}
	return types
}

// CanonicalForm renders "Name(type1,type2,...)" with no parameter names or
// qualifiers, the shape used to compute an event's topic0 via keccak256.
func (s *Signature) CanonicalForm() string {
	return s.Name + "(" + strings.Join(s.Types(), ",") + ")"
}
