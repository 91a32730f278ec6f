package export

import (
	"bytes"
	"embed"
	"html"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/library.html
var templateFS embed.FS

var libraryTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
	}

	content, err := templateFS.ReadFile("templates/library.html")
	if err != nil {
		libraryTemplate = template.Must(template.New("library").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	libraryTemplate = template.Must(template.New("library").Funcs(funcMap).Parse(string(content)))
}

type templateData struct {
	Title       string
	Description string
	Owner       string
	Tags        []string
	UpdatedAt   time.Time
	Entries     []templateEntry
}

type templateEntry struct {
	Title     string
	WordCount int
	UpdatedAt time.Time
	BodyHTML  template.HTML
}

// RenderHTML renders a journal as a standalone HTML page. Entries with a
// ProseMirror document are rendered from it; the rest fall back to their
// plain text split into paragraphs.
func RenderHTML(j Journal) (string, error) {
	data := templateData{
		Title:       j.Title,
		Description: j.Description,
		Owner:       j.Owner,
		Tags:        j.Tags,
		UpdatedAt:   j.UpdatedAt,
		Entries:     make([]templateEntry, 0, len(j.Entries)),
	}
	for _, e := range j.Entries {
		body := ProseMirrorToHTML(e.Doc)
		if strings.TrimSpace(body) == "" {
			body = plainTextToHTML(e.Content)
		}
		data.Entries = append(data.Entries, templateEntry{
			Title:     e.Title,
			WordCount: e.WordCount,
			UpdatedAt: e.UpdatedAt,
			BodyHTML:  template.HTML(body),
		})
	}

	var buf bytes.Buffer
	if err := libraryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func plainTextToHTML(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>\n")
	}
	return b.String()
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  {{range .Entries}}<h2>{{.Title}}</h2>{{.BodyHTML}}{{end}}
</body>
</html>`
