package channel

import (
	"bytes"
	"context"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"notifyd/internal/domain"
)

// Mail is a composed message with plain-text and HTML alternatives.
type Mail struct {
	To      string
	Name    string
	Subject string
	Text    string
	HTML    string
}

type MailGateway interface {
	SendMail(ctx context.Context, m Mail) (string, error)
}

type Email struct {
	*base
	gw MailGateway
}

func NewEmail(gw MailGateway, opt Options) *Email {
	return &Email{base: newBase(domain.ChannelEmail, opt), gw: gw}
}

func (e *Email) Send(ctx context.Context, n domain.Notification, u domain.User) domain.DeliveryResult {
	to := strings.TrimSpace(u.Email)
	if to == "" {
		return Failure(e.ch, missing(CodeMissingEmail, "email address"))
	}
	m, err := ComposeMail(n, u)
	if err != nil {
		return Failure(e.ch, &Error{Code: CodeInternal, Err: err})
	}
	return e.deliver(ctx, n, func(ctx context.Context) (string, error) {
		return e.gw.SendMail(ctx, m)
	})
}

type mailView struct {
	Name    string
	Title   string
	Message string
	Type    string
	Link    string
}

var (
	mailText = texttemplate.Must(texttemplate.New("text").Parse(
		`{{if .Name}}Hi {{.Name}},

{{end}}{{.Message}}
{{if .Link}}
{{.Link}}
{{end}}
--
You received this because {{.Type}} notifications are enabled for your account.
`))

	mailHTML = htmltemplate.Must(htmltemplate.New("html").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Title}}</h2>
{{if .Name}}<p>Hi {{.Name}},</p>{{end}}
<p>{{.Message}}</p>
{{if .Link}}<p><a href="{{.Link}}">Open</a></p>{{end}}
<hr><small>You received this because {{.Type}} notifications are enabled for your account.</small>
</body></html>
`))
)

// ComposeMail renders both variants. A "url" or "link" string in the payload
// becomes the call-to-action link.
func ComposeMail(n domain.Notification, u domain.User) (Mail, error) {
	v := mailView{
		Name:    u.Name,
		Title:   n.Title,
		Message: n.Message,
		Type:    strings.ReplaceAll(string(n.Type), "_", " "),
	}
	for _, k := range []string{"url", "link"} {
		if s, ok := n.Data[k].(string); ok && s != "" {
			v.Link = s
			break
		}
	}

	var text, html bytes.Buffer
	if err := mailText.Execute(&text, v); err != nil {
		return Mail{}, err
	}
	if err := mailHTML.Execute(&html, v); err != nil {
		return Mail{}, err
	}
	subject := n.Title
	if subject == "" {
		subject = "New notification"
	}
	return Mail{
		To:      strings.TrimSpace(u.Email),
		Name:    u.Name,
		Subject: subject,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
