// Package namer renders destination store names from message headers.
//
// A template is literal text with placeholders in braces. {Name} is replaced
// by the value of the header Name, looked up case-insensitively. The Date
// placeholder is bound to the message timestamp rather than the raw header
// and accepts a strftime sub-format, as in "archive_{Date:%Y}". Literal braces
// are written as {{ and }}.
package namer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/lestrrat-go/strftime"
)

// DateField is the placeholder bound to the normalized message timestamp.
const DateField = "Date"

// DefaultDateLayout renders {Date} when no sub-format is given.
const DefaultDateLayout = "2006-01-02 15:04:05"

// TemplateError reports a template that cannot be parsed or rendered.
type TemplateError struct {
	Template string
	Field    string
	Reason   string
}

func (e *TemplateError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("template %q: field %q: %s", e.Template, e.Field, e.Reason)
}

type segment struct {
	literal string
	field   string
	date    *strftime.Strftime
	isField bool
}

// Template is a compiled destination template. It is safe for concurrent use.
type Template struct {
	source   string
	segments []segment
}

// MustParse is like Parse but panics on error.
func MustParse(tmpl string) *Template {
	t, err := Parse(tmpl)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse compiles tmpl. Malformed placeholders and invalid date formats are
// reported as *TemplateError.
func Parse(tmpl string) (*Template, error) {
	t := &Template{source: tmpl}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, &TemplateError{Template: tmpl, Reason: "single '}' encountered"}
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return nil, &TemplateError{Template: tmpl, Reason: "single '{' encountered"}
			}
			seg, err := parseField(tmpl, tmpl[i+1:i+1+end])
			if err != nil {
				return nil, err
			}
			flush()
			t.segments = append(t.segments, seg)
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()

	return t, nil
}

func parseField(tmpl, body string) (segment, error) {
	name, spec, hasSpec := strings.Cut(body, ":")
	if strings.ContainsAny(name, "{!.[]") {
		return segment{}, &TemplateError{Template: tmpl, Field: name, Reason: "unsupported field syntax"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return segment{}, &TemplateError{Template: tmpl, Reason: "empty field name"}
	}
	if strings.ContainsRune(spec, '{') {
		return segment{}, &TemplateError{Template: tmpl, Field: name, Reason: "nested placeholders are not supported"}
	}

	if !strings.EqualFold(name, DateField) {
		if hasSpec {
			return segment{}, &TemplateError{Template: tmpl, Field: name, Reason: "format spec is only supported for Date"}
		}
		return segment{field: name, isField: true}, nil
	}

	seg := segment{field: DateField, isField: true}
	if hasSpec {
		if spec == "" {
			return segment{}, &TemplateError{Template: tmpl, Field: name, Reason: "empty date format"}
		}
		f, err := strftime.New(spec)
		if err != nil {
			return segment{}, &TemplateError{Template: tmpl, Field: name, Reason: err.Error()}
		}
		seg.date = f
	}
	return seg, nil
}

// String returns the template source.
func (t *Template) String() string {
	return t.source
}

// Render substitutes every placeholder using h and ts. ts is formatted in UTC.
// A header referenced by the template but absent from h is a *TemplateError.
func (t *Template) Render(h textproto.Header, ts time.Time) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if !seg.isField {
			b.WriteString(seg.literal)
			continue
		}

		if seg.field == DateField {
			ts = ts.UTC()
			if seg.date != nil {
				b.WriteString(seg.date.FormatString(ts))
			} else {
				b.WriteString(ts.Format(DefaultDateLayout))
			}
			continue
		}

		if !h.Has(seg.field) {
			return "", &TemplateError{Template: t.source, Field: seg.field, Reason: "header not present in message"}
		}
		b.WriteString(sanitize(h.Get(seg.field)))
	}
	return b.String(), nil
}

// sanitize keeps header values from introducing directory components.
func sanitize(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "/", "_")
	if os.PathSeparator != '/' {
		value = strings.ReplaceAll(value, string(os.PathSeparator), "_")
	}
	return strings.ReplaceAll(value, "\x00", "")
}
