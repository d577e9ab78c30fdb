package caldav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsApple  = "http://apple.com/ns/ical/"
	nsServer = "http://calendarserver.org/ns/"

	anySpace = "*"
)

// node is a minimal XML element tree. Namespaces are resolved by
// encoding/xml; undeclared prefixes are kept verbatim in space.
type node struct {
	space    string
	local    string
	attrs    []xml.Attr
	children []*node
	text     strings.Builder
}

func (n *node) Text() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.text.String())
}

func (n *node) Attr(local string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// selector matches an element by namespace and local name.
type selector struct {
	space string // anySpace matches every namespace
	local string
}

func (s selector) match(n *node) bool {
	if !strings.EqualFold(n.local, s.local) {
		return false
	}
	return s.space == anySpace || n.space == s.space
}

// selectors lists, per property, the element forms servers have been seen
// to emit, most specific first: the proper namespace, no namespace, then
// any namespace (undeclared or unexpected prefixes).
var selectors = map[string][]selector{
	"multistatus":                      davForms("multistatus"),
	"response":                         davForms("response"),
	"href":                             davForms("href"),
	"propstat":                         davForms("propstat"),
	"status":                           davForms("status"),
	"prop":                             davForms("prop"),
	"displayname":                      davForms("displayname"),
	"resourcetype":                     davForms("resourcetype"),
	"collection":                       davForms("collection"),
	"principal":                        davForms("principal"),
	"getetag":                          davForms("getetag"),
	"getctag":                          {{nsServer, "getctag"}, {"", "getctag"}, {anySpace, "getctag"}},
	"calendar":                         calForms("calendar"),
	"calendar-data":                    calForms("calendar-data"),
	"calendar-description":             calForms("calendar-description"),
	"supported-calendar-component-set": calForms("supported-calendar-component-set"),
	"comp":                             calForms("comp"),
	"calendar-color":                   {{nsApple, "calendar-color"}, {"", "calendar-color"}, {anySpace, "calendar-color"}},
}

func davForms(local string) []selector {
	return []selector{{nsDAV, local}, {"", local}, {anySpace, local}}
}

func calForms(local string) []selector {
	return []selector{{nsCalDAV, local}, {"", local}, {anySpace, local}}
}

// child returns the first direct child matching prop, trying each selector
// form in order.
func (n *node) child(prop string) *node {
	if n == nil {
		return nil
	}
	for _, sel := range selectors[prop] {
		for _, c := range n.children {
			if sel.match(c) {
				return c
			}
		}
	}
	return nil
}

// childrenOf returns all direct children matching the first selector form
// that matches anything.
func (n *node) childrenOf(prop string) []*node {
	if n == nil {
		return nil
	}
	for _, sel := range selectors[prop] {
		var out []*node
		for _, c := range n.children {
			if sel.match(c) {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// descendants returns every element below n matching prop, depth first,
// using the first selector form that matches anything.
func (n *node) descendants(prop string) []*node {
	if n == nil {
		return nil
	}
	for _, sel := range selectors[prop] {
		var out []*node
		var walk func(*node)
		walk = func(x *node) {
			for _, c := range x.children {
				if sel.match(c) {
					out = append(out, c)
					continue
				}
				walk(c)
			}
		}
		walk(n)
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func parseXML(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		// Servers occasionally label UTF-8 bodies with other names.
		return input, nil
	}

	root := &node{}
	stack := []*node{root}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{space: t.Name.Space, local: t.Name.Local, attrs: t.Attr}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		}
	}
	if len(root.children) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	return root, nil
}

// davResource is one <response> of a multistatus body.
type davResource struct {
	Href   string
	Status int     // response-level status, 0 when absent
	props  []*node // <prop> elements from successful propstats
}

// Prop returns the named property element, or nil.
func (r davResource) Prop(name string) *node {
	for _, p := range r.props {
		if c := p.child(name); c != nil {
			return c
		}
	}
	return nil
}

// PropText returns the trimmed text of the named property.
func (r davResource) PropText(name string) string {
	return r.Prop(name).Text()
}

// parseMultistatus parses a 207 body. It fails only when the body is not
// XML or has no multistatus element.
func parseMultistatus(data []byte) ([]davResource, error) {
	root, err := parseXML(data)
	if err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}
	ms := root.descendants("multistatus")
	if len(ms) == 0 {
		return nil, fmt.Errorf("parse multistatus: no multistatus element")
	}

	var out []davResource
	for _, resp := range ms[0].descendants("response") {
		res := davResource{Href: strings.TrimSpace(resp.child("href").Text())}
		if st := resp.child("status"); st != nil {
			res.Status = parseStatusLine(st.Text())
		}
		for _, ps := range resp.childrenOf("propstat") {
			if st := ps.child("status"); st != nil {
				code := parseStatusLine(st.Text())
				if code != 0 && (code < 200 || code > 299) {
					continue
				}
			}
			if p := ps.child("prop"); p != nil {
				res.props = append(res.props, p)
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// parseStatusLine extracts the code from "HTTP/1.1 200 OK".
func parseStatusLine(s string) int {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}
