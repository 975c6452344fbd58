package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"mychat/api/internal/mention"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(
	template.New("transcript.html").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.UTC().Format("Jan 2, 2006 15:04 MST")
		},
	}).ParseFS(templateFS, "templates/transcript.html"),
)

// TemplateData holds data for transcript rendering
type TemplateData struct {
	RoomName    string
	Description string
	GeneratedAt time.Time
	Messages    []TemplateMessage
}

// TemplateMessage is one top-level message and, optionally, its replies.
type TemplateMessage struct {
	Author   string
	Segments []mention.Segment
	FileName string
	FileURL  string
	SentAt   time.Time
	Replies  []TemplateMessage
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
