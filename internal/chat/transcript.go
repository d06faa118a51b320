package chat

import (
	"bytes"
	"fmt"
	"html"
	"io"

	"github.com/yuin/goldmark"
)

var md = goldmark.New()

const transcriptHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
<h1>%s</h1>
`

// RenderTranscript writes msgs as an HTML page, rendering each message's
// markdown. Messages that are still streaming are marked as such.
func RenderTranscript(w io.Writer, title string, msgs []Message) error {
	t := html.EscapeString(title)
	if _, err := fmt.Fprintf(w, transcriptHead, t, t); err != nil {
		return err
	}

	for _, m := range msgs {
		var body bytes.Buffer
		if err := md.Convert([]byte(m.Content), &body); err != nil {
			body.Reset()
			body.WriteString("<pre>" + html.EscapeString(m.Content) + "</pre>")
		}

		label := string(m.Role)
		if m.Status != StatusComplete {
			label += " (" + string(m.Status) + ")"
		}

		if _, err := fmt.Fprintf(w, "<section class=\"message %s\" id=\"msg-%s\">\n<h2>%s <small>%s</small></h2>\n%s</section>\n",
			html.EscapeString(string(m.Role)),
			html.EscapeString(m.ID),
			html.EscapeString(label),
			m.CreatedAt.Format("2006-01-02 15:04:05"),
			body.String(),
		); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "</body>\n</html>\n")
	return err
}
