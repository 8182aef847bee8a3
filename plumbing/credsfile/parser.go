package credsfile

import (
	"bufio"
	"strings"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/pkg/errors"
)

// entry is one line inside a profile: either a key/value pair or a comment
// kept verbatim.
type entry struct {
	key     string
	value   string
	comment string
}

type profile struct {
	name    string
	entries []entry
}

func (p *profile) get(key string) (string, bool) {
	for _, e := range p.entries {
		if e.comment == "" && e.key == key {
			return e.value, true
		}
	}
	return "", false
}

func (p *profile) set(key, value string) {
	for i, e := range p.entries {
		if e.comment == "" && e.key == key {
			p.entries[i].value = value
			return
		}
	}
	p.entries = append(p.entries, entry{key: key, value: value})
}

func (p *profile) unset(key string) {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.comment == "" && e.key == key {
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
}

// document is a parsed credentials file. Profiles, unknown keys and comments
// survive a parse/serialize round trip in their original order.
type document struct {
	header   []string
	profiles []*profile
}

func (d *document) profile(name string) *profile {
	for _, p := range d.profiles {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (d *document) upsert(name string) *profile {
	if p := d.profile(name); p != nil {
		return p
	}
	p := &profile{name: name}
	d.profiles = append(d.profiles, p)
	return p
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";")
}

// parse reads a credentials file. Anything it cannot represent faithfully is
// rejected so that a later write never corrupts the file.
func parse(input string) (*document, error) {
	doc := &document{}
	var current *profile

	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case isComment(line):
			if current == nil {
				doc.header = append(doc.header, line)
			} else {
				current.entries = append(current.entries, entry{comment: line})
			}
		case strings.HasPrefix(line, "["):
			if !strings.HasSuffix(line, "]") {
				return nil, errors.Wrapf(faults.ErrInvalidDestinationFormat, "line %d: unterminated profile header", lineNo)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, errors.Wrapf(faults.ErrEmptyProfile, "line %d", lineNo)
			}
			current = doc.upsert(name)
		default:
			key, value, found := strings.Cut(line, "=")
			if !found {
				return nil, errors.Wrapf(faults.ErrInvalidDestinationFormat, "line %d: expected key = value", lineNo)
			}
			if current == nil {
				return nil, errors.Wrapf(faults.ErrInvalidDestinationFormat, "line %d: key outside of a profile", lineNo)
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			if key == "" {
				return nil, errors.Wrapf(faults.ErrEmptyKey, "line %d", lineNo)
			}
			if value == "" {
				return nil, errors.Wrapf(faults.ErrEmptyKeyValue, "line %d", lineNo)
			}
			current.set(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(faults.ErrInvalidDestinationFormat, err.Error())
	}
	return doc, nil
}

func (d *document) String() string {
	var b strings.Builder

	for _, line := range d.header {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(d.header) > 0 && len(d.profiles) > 0 {
		b.WriteString("\n")
	}

	for i, p := range d.profiles {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[" + p.name + "]\n")
		for _, e := range p.entries {
			if e.comment != "" {
				b.WriteString(e.comment + "\n")
				continue
			}
			b.WriteString(e.key + " = " + e.value + "\n")
		}
	}
	return b.String()
}
