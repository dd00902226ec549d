package delivery

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/emersion/go-message"
	"github.com/inbucket/listgate/pkg/transform"
)

// Footer renders the branding footer appended to every redistributed message.
func Footer(branding, wikiURL, details string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**** %s ****\n", branding)
	if details != "" {
		b.WriteString(details)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "You received this message because you are a member of a %s Gitlab group / "+
		"Distribution List.\n", branding)
	if wikiURL != "" {
		base := strings.TrimSuffix(wikiURL, "/") + "/"
		fmt.Fprintf(&b, "\nDistribution Lists:\n%s-/wikis/Distribution-Lists\n", base)
		fmt.Fprintf(&b, "\nCalendars:\n%s-/wikis/home\n", base)
	}
	b.WriteString("*******************")
	return b.String()
}

// AppendFooter adds footer to every inline text/plain and text/html part of raw.
func AppendFooter(raw []byte, footer string) ([]byte, error) {
	htmlFooter := "<p>" + strings.ReplaceAll(html.EscapeString(footer), "\n", "<br/>\n") + "</p>"
	return transform.RewriteLeaves(raw, func(h message.Header, body []byte) ([]byte, error) {
		if transform.IsAttachment(h) {
			return nil, nil
		}
		switch transform.MediaType(h) {
		case "text/plain":
			out := append(bytes.TrimRight(body, "\r\n"), []byte("\n\n"+footer+"\n")...)
			return out, nil
		case "text/html":
			i := bytes.LastIndex(bytes.ToLower(body), []byte("</body>"))
			if i < 0 {
				return append(body, []byte(htmlFooter)...), nil
			}
			out := make([]byte, 0, len(body)+len(htmlFooter))
			out = append(out, body[:i]...)
			out = append(out, htmlFooter...)
			return append(out, body[i:]...), nil
		}
		return nil, nil
	})
}
