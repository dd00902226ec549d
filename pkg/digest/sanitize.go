package digest

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/gorilla/css/scanner"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// meetingPolicy keeps the inline styling calendar clients put into invite bodies. Style values
// are filtered by filterStyles before the policy runs.
func meetingPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("center")
	p.AllowAttrs("style").Matching(regexp.MustCompile(".*")).Globally()
	return p
}

// Properties kept in style attributes.
var styleProperties = map[string]bool{
	"background-color": true,
	"border":           true,
	"border-collapse":  true,
	"border-radius":    true,
	"color":            true,
	"display":          true,
	"font-family":      true,
	"font-size":        true,
	"font-style":       true,
	"font-weight":      true,
	"height":           true,
	"line-height":      true,
	"margin":           true,
	"margin-bottom":    true,
	"margin-left":      true,
	"margin-right":     true,
	"margin-top":       true,
	"max-width":        true,
	"padding":          true,
	"text-align":       true,
	"text-decoration":  true,
	"vertical-align":   true,
	"white-space":      true,
	"width":            true,
}

// sanitizeHTML filters style attributes, then applies the policy.
func sanitizeHTML(p *bluemonday.Policy, input string) (string, error) {
	var buf bytes.Buffer
	if err := filterStyles(&buf, strings.NewReader(input)); err != nil {
		return "", err
	}
	return p.Sanitize(buf.String()), nil
}

// filterStyles copies HTML from r to w, rewriting every style attribute to hold only allowed
// properties. Attributes left empty are dropped.
func filterStyles(w *bytes.Buffer, r io.Reader) error {
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil
			}
			return z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !hasAttr {
				w.Write(z.Raw())
				continue
			}
			w.WriteByte('<')
			w.Write(name)
			for more := true; more; {
				var key, val []byte
				key, val, more = z.TagAttr()
				v := string(val)
				if strings.EqualFold(string(key), "style") {
					if v = filterStyle(v); v == "" {
						continue
					}
				}
				w.WriteByte(' ')
				w.Write(key)
				w.WriteString(`="`)
				w.WriteString(html.EscapeString(v))
				w.WriteByte('"')
			}
			if tt == html.SelfClosingTagToken {
				w.WriteByte('/')
			}
			w.WriteByte('>')
		default:
			w.Write(z.Raw())
		}
	}
}

// filterStyle keeps the declarations of a style attribute whose property is allowed. Any scanner
// error discards the whole attribute.
func filterStyle(input string) string {
	var b strings.Builder
	const (
		expectProperty = iota
		keepValue
		skipValue
	)
	state := expectProperty
	s := scanner.New(input)
	for {
		t := s.Next()
		switch t.Type {
		case scanner.TokenEOF:
			return strings.TrimSpace(b.String())
		case scanner.TokenError:
			return ""
		}
		end := t.Type == scanner.TokenChar && t.Value == ";"
		switch state {
		case expectProperty:
			switch {
			case t.Type == scanner.TokenS:
			case t.Type == scanner.TokenIdent && styleProperties[strings.ToLower(t.Value)]:
				b.WriteString(t.Value)
				state = keepValue
			case end:
			default:
				state = skipValue
			}
		case keepValue:
			b.WriteString(t.Value)
			if end {
				state = expectProperty
			}
		case skipValue:
			if end {
				state = expectProperty
			}
		}
	}
}
