package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// blockTags maps ProseMirror block node types to the HTML element that wraps
// their children.
var blockTags = map[string]string{
	"paragraph":   "p",
	"bulletList":  "ul",
	"orderedList": "ol",
	"listItem":    "li",
	"blockquote":  "blockquote",
	"table":       "table",
	"tableRow":    "tr",
	"tableCell":   "td",
	"tableHeader": "th",
}

var markTags = map[string]string{
	"bold":      "strong",
	"italic":    "em",
	"code":      "code",
	"strike":    "s",
	"underline": "u",
}

// ProseMirrorToHTML converts a ProseMirror document to HTML. doc may be the
// decoded JSON value or raw JSON bytes; anything else renders as "".
func ProseMirrorToHTML(doc any) string {
	switch v := doc.(type) {
	case map[string]any:
		var b strings.Builder
		writeNode(&b, v)
		return b.String()
	case json.RawMessage:
		return ProseMirrorToHTML([]byte(v))
	case []byte:
		var decoded map[string]any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return ""
		}
		return ProseMirrorToHTML(decoded)
	default:
		return ""
	}
}

func writeNode(b *strings.Builder, node map[string]any) {
	nodeType, _ := node["type"].(string)
	if tag, ok := blockTags[nodeType]; ok {
		fmt.Fprintf(b, "<%s>", tag)
		writeChildren(b, node["content"])
		fmt.Fprintf(b, "</%s>\n", tag)
		return
	}

	switch nodeType {
	case "":
	case "heading":
		level := 1
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if lvl, ok := attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
				level = int(lvl)
			}
		}
		fmt.Fprintf(b, "<h%d>", level)
		writeChildren(b, node["content"])
		fmt.Fprintf(b, "</h%d>\n", level)
	case "codeBlock":
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(plainText(node["content"])))
		b.WriteString("</code></pre>\n")
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		b.WriteString(markText(text, marks))
	case "hardBreak":
		b.WriteString("<br>")
	case "horizontalRule":
		b.WriteString("<hr>\n")
	default:
		// doc and unknown wrappers render their children only.
		writeChildren(b, node["content"])
	}
}

func writeChildren(b *strings.Builder, content any) {
	items, _ := content.([]any)
	for _, item := range items {
		if node, ok := item.(map[string]any); ok {
			writeNode(b, node)
		}
	}
}

func plainText(content any) string {
	items, _ := content.([]any)
	var b strings.Builder
	for _, item := range items {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := node["text"].(string); ok {
			b.WriteString(text)
		}
		b.WriteString(plainText(node["content"]))
	}
	return b.String()
}

// markText escapes text and wraps it in its marks, first mark outermost.
func markText(text string, marks []any) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)
		if tag, ok := markTags[markType]; ok {
			out = fmt.Sprintf("<%s>%s</%s>", tag, out, tag)
			continue
		}
		if markType == "link" {
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
				href = ""
			}
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}

// DocFromMetadata extracts the "doc" key of an entry's metadata, if any.
func DocFromMetadata(metadata json.RawMessage) any {
	if len(metadata) == 0 {
		return nil
	}
	var wrapper struct {
		Doc map[string]any `json:"doc"`
	}
	if err := json.Unmarshal(metadata, &wrapper); err != nil || wrapper.Doc == nil {
		return nil
	}
	return wrapper.Doc
}
