package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func textNode(text string, marks ...string) map[string]any {
	node := map[string]any{"type": "text", "text": text}
	if len(marks) > 0 {
		list := make([]any, 0, len(marks))
		for _, m := range marks {
			list = append(list, map[string]any{"type": m})
		}
		node["marks"] = list
	}
	return node
}

func docOf(children ...any) map[string]any {
	return map[string]any{"type": "doc", "content": children}
}

func TestProseMirrorToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"nil input", nil, ""},
		{
			"paragraph",
			docOf(map[string]any{"type": "paragraph", "content": []any{textNode("Hello world")}}),
			"<p>Hello world</p>",
		},
		{
			"heading level",
			docOf(map[string]any{"type": "heading", "attrs": map[string]any{"level": 2.0}, "content": []any{textNode("Morning")}}),
			"<h2>Morning</h2>",
		},
		{
			"nested marks",
			docOf(map[string]any{"type": "paragraph", "content": []any{textNode("Bold and italic", "bold", "italic")}}),
			"<strong><em>Bold and italic</em></strong>",
		},
		{
			"bullet list",
			docOf(map[string]any{"type": "bulletList", "content": []any{
				map[string]any{"type": "listItem", "content": []any{
					map[string]any{"type": "paragraph", "content": []any{textNode("Item 1")}},
				}},
			}}),
			"<ul><li><p>Item 1</p>",
		},
		{
			"code block escapes",
			docOf(map[string]any{"type": "codeBlock", "content": []any{textNode("if a < b {}")}}),
			"<pre><code>if a &lt; b {}</code></pre>",
		},
		{
			"raw json",
			json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"raw"}]}]}`),
			"<p>raw</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, ProseMirrorToHTML(tt.input), tt.expected)
		})
	}
}

func TestLinkMarkDropsScriptHref(t *testing.T) {
	node := map[string]any{
		"type": "text",
		"text": "click",
		"marks": []any{map[string]any{
			"type":  "link",
			"attrs": map[string]any{"href": "javascript:alert(1)"},
		}},
	}
	out := ProseMirrorToHTML(docOf(node))
	assert.Equal(t, `<a href="">click</a>`, out)
}

func TestDocFromMetadata(t *testing.T) {
	assert.Nil(t, DocFromMetadata(nil))
	assert.Nil(t, DocFromMetadata(json.RawMessage(`{"mood":"calm"}`)))
	assert.Nil(t, DocFromMetadata(json.RawMessage(`not json`)))

	doc := DocFromMetadata(json.RawMessage(`{"doc":{"type":"doc","content":[]}}`))
	require.NotNil(t, doc)
	assert.Equal(t, "doc", doc.(map[string]any)["type"])
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Trip v1.2", "Trip-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "journal"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeFilename(tt.input))
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	assert.Equal(t, "hello%20world", percentEncodeForDataURL("hello world"))
	assert.Equal(t, "test%2Bsign", percentEncodeForDataURL("test+sign"))
	assert.Equal(t, "special%3C%3E", percentEncodeForDataURL("special<>"))
	assert.Equal(t, "normal-text.txt", percentEncodeForDataURL("normal-text.txt"))
	assert.Equal(t, "%C3%A9", percentEncodeForDataURL("é"))
}

func sampleJournal() Journal {
	return Journal{
		ID:          "lib_1",
		Title:       "Summer Journal",
		Description: "Notes from the coast",
		Owner:       "Ada",
		Tags:        []string{"travel"},
		UpdatedAt:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Entries: []Entry{
			{Title: "Day one", Content: "Arrived late.\n\nSwam at <dawn>.", WordCount: 5},
			{
				Title: "Day two",
				Doc:   docOf(map[string]any{"type": "paragraph", "content": []any{textNode("Rich text", "bold")}}),
			},
		},
	}
}

func TestRenderHTML(t *testing.T) {
	page, err := RenderHTML(sampleJournal())
	require.NoError(t, err)

	assert.Contains(t, page, "Summer Journal")
	assert.Contains(t, page, "Notes from the coast")
	assert.Contains(t, page, "<span>travel</span>")
	assert.Contains(t, page, "<p>Arrived late.</p>")
	assert.Contains(t, page, "<p>Swam at &lt;dawn&gt;.</p>")
	assert.Contains(t, page, "<strong>Rich text</strong>")
	assert.NotContains(t, page, "&lt;p&gt;")
}

func TestRenderHTMLWithoutEntries(t *testing.T) {
	page, err := RenderHTML(Journal{Title: "Empty"})
	require.NoError(t, err)
	assert.Contains(t, page, "no entries yet")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	f, err = ParseFormat("pdf")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	_, err = ParseFormat("docx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestServiceExport(t *testing.T) {
	svc := NewService(nil, zap.NewNop())

	res, err := svc.Export(context.Background(), sampleJournal(), FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, "Summer-Journal.html", res.Filename)
	assert.True(t, strings.HasPrefix(res.MimeType, "text/html"))
	assert.Empty(t, res.URL)

	var rendered string
	svc.pdf = func(_ context.Context, html string) ([]byte, error) {
		rendered = html
		return []byte("%PDF-1.7"), nil
	}
	res, err = svc.Export(context.Background(), sampleJournal(), FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "Summer-Journal.pdf", res.Filename)
	assert.Equal(t, "application/pdf", res.MimeType)
	assert.Equal(t, []byte("%PDF-1.7"), res.Data)
	assert.Contains(t, rendered, "Day two")

	svc.pdf = func(context.Context, string) ([]byte, error) { return nil, ErrPDFDependencyMissing }
	_, err = svc.Export(context.Background(), sampleJournal(), FormatPDF)
	assert.True(t, errors.Is(err, ErrPDFDependencyMissing))

	_, err = svc.Export(context.Background(), sampleJournal(), Format("docx"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
