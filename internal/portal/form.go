// File: internal/portal/form.go
package portal

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// FieldKind tags the input kind a form field was parsed from.
type FieldKind int

const (
	KindText FieldKind = iota
	KindHidden
	KindCheckbox
	KindSelect
	KindOther
)

func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindHidden:
		return "hidden"
	case KindCheckbox:
		return "checkbox"
	case KindSelect:
		return "select"
	default:
		return "other"
	}
}

// Field is one named form element with its server-supplied value.
type Field struct {
	Name  string
	Value string
	Kind  FieldKind
}

// FieldSnapshot is an ordered, name-unique set of form fields parsed from one
// HTML document. It is immutable once produced; a new snapshot is always
// parsed from a new response, never mutated.
type FieldSnapshot struct {
	order  []string
	fields map[string]Field
}

// Len returns the number of named fields.
func (s FieldSnapshot) Len() int { return len(s.order) }

// Names returns the field names in document order.
func (s FieldSnapshot) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get looks up a field by name.
func (s FieldSnapshot) Get(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Has reports whether the form defines the named field.
func (s FieldSnapshot) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Merge builds the outgoing field set for a submission: every field name in
// the snapshot, with override values applied where present. Names present
// only in overrides are deliberately NOT added; the server-defined field set
// is authoritative, and unexpected names can trigger portal-side validation
// rejection.
func (s FieldSnapshot) Merge(overrides map[string]string) url.Values {
	data := make(url.Values, len(s.order))
	for _, name := range s.order {
		if v, ok := overrides[name]; ok {
			data.Set(name, v)
			continue
		}
		data.Set(name, s.fields[name].Value)
	}
	return data
}

// Method is the HTTP method a form submits with.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

// FormDescriptor represents "the next request to make": the parsed action,
// method and field snapshot of one portal page. A nil Action signals that no
// usable form is present, a terminal or error condition for the workflow.
type FormDescriptor struct {
	Action *url.URL
	Method Method
	Fields FieldSnapshot
}

// HasForm reports whether the descriptor can actually be submitted.
func (d FormDescriptor) HasForm() bool { return d.Action != nil }

// ParseForm extracts the first form of an HTML document: its action resolved
// against the portal base, its method, and every named input/select/textarea
// with its current value. A document without a form yields a descriptor with
// a nil Action and an empty field set, not an error.
func ParseForm(doc string, base *url.URL) (FormDescriptor, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		// html.Parse is extremely tolerant; this is effectively unreachable
		// for string input but kept for contract completeness.
		return FormDescriptor{}, &MalformedFormError{Reason: err.Error()}
	}

	form := findFirst(root, "form")
	if form == nil {
		return FormDescriptor{Fields: FieldSnapshot{fields: map[string]Field{}}}, nil
	}

	desc := FormDescriptor{Fields: collectFields(form)}

	method := strings.ToUpper(strings.TrimSpace(attr(form, "method")))
	switch method {
	case "", "POST":
		desc.Method = MethodPost
	case "GET":
		desc.Method = MethodGet
	default:
		return FormDescriptor{}, &MalformedFormError{Reason: "unsupported form method " + method}
	}

	if action := attr(form, "action"); action != "" {
		resolved, err := base.Parse(action)
		if err != nil {
			return FormDescriptor{}, &MalformedFormError{Reason: "unparseable form action " + action}
		}
		desc.Action = resolved
	}

	return desc, nil
}

// FindCaptchaImage locates the CAPTCHA challenge image on a page: an img with
// the id "captchaImg", or failing that any img whose src mentions "captcha".
// Returns the absolute image URL, or empty when no such image exists. Absence
// is not fatal here; the solve step will surface it as a fetch failure.
func FindCaptchaImage(doc string, base *url.URL) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}

	var byID, bySrc string
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "img" {
			return
		}
		src := attr(n, "src")
		if src == "" {
			return
		}
		if attr(n, "id") == "captchaImg" && byID == "" {
			byID = src
		}
		if strings.Contains(strings.ToLower(src), "captcha") && bySrc == "" {
			bySrc = src
		}
	})

	src := byID
	if src == "" {
		src = bySrc
	}
	if src == "" {
		return ""
	}
	resolved, err := base.Parse(src)
	if err != nil {
		return ""
	}
	return resolved.String()
}

// collectFields gathers every named input/select/textarea under a form node,
// in document order, first occurrence of a name winning.
func collectFields(form *html.Node) FieldSnapshot {
	snap := FieldSnapshot{fields: map[string]Field{}}
	walk(form, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		var kind FieldKind
		switch n.Data {
		case "input":
			kind = inputKind(attr(n, "type"))
		case "select":
			kind = KindSelect
		case "textarea":
			kind = KindText
		default:
			return
		}
		name := attr(n, "name")
		if name == "" {
			return
		}
		if _, seen := snap.fields[name]; seen {
			return
		}
		snap.order = append(snap.order, name)
		snap.fields[name] = Field{Name: name, Value: attr(n, "value"), Kind: kind}
	})
	return snap
}

func inputKind(inputType string) FieldKind {
	switch strings.ToLower(inputType) {
	case "", "text":
		return KindText
	case "hidden":
		return KindHidden
	case "checkbox":
		return KindCheckbox
	default:
		return KindOther
	}
}

// walk visits every node of the tree in depth-first document order.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// findFirst returns the first element with the given tag, depth-first.
func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// attr returns the value of a node attribute, or empty when absent.
func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
