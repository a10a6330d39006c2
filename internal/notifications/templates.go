package notifications

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

const runFinishedTemplates = `
{{- define "subject"}}{{icon .Status}} Annotation {{.Mode}} run {{short .RunID}} {{.Status}}{{end}}

{{- define "markdown"}}*Annotation run {{.Status}}*

Run: ` + "`{{.RunID}}`" + `
Mode: {{.Mode}}
Genes: {{.Genes}}
Duration: {{duration .Duration}}
Updated: {{.Updated}} | Skipped: {{.Skipped}} | Failed: {{.Failed}}
{{if .Error}}
*Error:* {{.Error}}
{{end}}
*Sources:*
{{range .Sources}}- {{.Name}}: {{.Status}} ({{.Updated}} updated, {{.Skipped}} skipped, {{.Failed}} failed){{if .Error}} - {{.Error}}{{end}}
{{end}}
Finished at {{now}}{{end}}

{{- define "text"}}Annotation run {{.RunID}} ({{.Mode}}) {{.Status}} after {{duration .Duration}}: {{.Updated}} updated, {{.Skipped}} skipped, {{.Failed}} failed{{if .Error}}; error: {{.Error}}{{end}}
{{range .Sources}}{{.Name}}={{.Status}} {{end}}{{end}}`

var statusIcons = map[string]string{
	"completed": "✅",
	"partial":   "⚠️",
	"cancelled": "⏹️",
}

func statusIcon(status string) string {
	if icon, ok := statusIcons[status]; ok {
		return icon
	}
	return "❌"
}

// DefaultTemplateManager renders run notifications as markdown or plain text
type DefaultTemplateManager struct {
	set *template.Template
}

func NewDefaultTemplateManager() *DefaultTemplateManager {
	funcs := template.FuncMap{
		"icon":     statusIcon,
		"duration": formatDuration,
		"short":    func(id fmt.Stringer) string { return id.String()[:8] },
		"now":      func() string { return time.Now().UTC().Format("2006-01-02 15:04:05 UTC") },
	}
	return &DefaultTemplateManager{
		set: template.Must(template.New("run_finished").Funcs(funcs).Parse(runFinishedTemplates)),
	}
}

// RenderRunFinished renders n in format, which is "markdown" or "text"
func (tm *DefaultTemplateManager) RenderRunFinished(n RunFinishedNotification, format string) (NotificationMessage, error) {
	if format != "markdown" && format != "text" {
		return NotificationMessage{}, fmt.Errorf("unsupported format: %s", format)
	}

	subject, err := tm.execute("subject", n)
	if err != nil {
		return NotificationMessage{}, err
	}
	body, err := tm.execute(format, n)
	if err != nil {
		return NotificationMessage{}, err
	}

	return NotificationMessage{
		Subject: strings.TrimSpace(subject),
		Body:    body,
		Format:  format,
		Metadata: map[string]interface{}{
			"event_type": "run_finished",
			"run_id":     n.RunID.String(),
			"mode":       n.Mode,
			"status":     n.Status,
			"genes":      n.Genes,
			"updated":    n.Updated,
			"skipped":    n.Skipped,
			"failed":     n.Failed,
			"duration":   formatDuration(n.Duration),
		},
	}, nil
}

func (tm *DefaultTemplateManager) execute(name string, data RunFinishedNotification) (string, error) {
	var b strings.Builder
	if err := tm.set.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return b.String(), nil
}

// formatDuration prints d with one decimal in the largest fitting unit
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}
