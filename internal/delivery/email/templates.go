package email

import (
	"bytes"
	htmltemplate "html/template"
	texttemplate "text/template"
)

type rendered struct {
	Subject string
	HTML    string
	Text    string
}

type cardIssuedView struct {
	Amount     string
	CardNumber string
	Code       string
	ExpiresOn  string
}

type receiptView struct {
	Name          string
	Action        string
	Amount        string
	Balance       string
	TransactionID string
	Date          string
}

var (
	cardIssuedHTML = htmltemplate.Must(htmltemplate.New("card_issued").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h2>You have received a gift card</h2>
<p>Value: <strong>{{.Amount}}</strong></p>
<p>Card number: {{.CardNumber}}<br>Redemption code: <strong>{{.Code}}</strong></p>
{{if .ExpiresOn}}<p>Valid until {{.ExpiresOn}}.</p>{{end}}
<p>Keep this code private. Anyone holding it can spend the balance.</p>
</body></html>`))

	cardIssuedText = texttemplate.Must(texttemplate.New("card_issued").Parse(`You have received a gift card.

Value: {{.Amount}}
Card number: {{.CardNumber}}
Redemption code: {{.Code}}
{{if .ExpiresOn}}Valid until {{.ExpiresOn}}.
{{end}}
Keep this code private. Anyone holding it can spend the balance.
`))

	receiptHTML = htmltemplate.Must(htmltemplate.New("receipt").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<p>{{if .Name}}Hi {{.Name}},{{else}}Hello,{{end}}</p>
<p>Your gift card was {{.Action}} {{.Amount}} on {{.Date}}.</p>
<p>Remaining balance: <strong>{{.Balance}}</strong></p>
<p style="color:#888">Reference {{.TransactionID}}</p>
</body></html>`))

	receiptText = texttemplate.Must(texttemplate.New("receipt").Parse(`{{if .Name}}Hi {{.Name}},{{else}}Hello,{{end}}

Your gift card was {{.Action}} {{.Amount}} on {{.Date}}.
Remaining balance: {{.Balance}}

Reference {{.TransactionID}}
`))
)

func render(subject string, html *htmltemplate.Template, text *texttemplate.Template, data any) (rendered, error) {
	var h, t bytes.Buffer
	if err := html.Execute(&h, data); err != nil {
		return rendered{}, err
	}
	if err := text.Execute(&t, data); err != nil {
		return rendered{}, err
	}
	return rendered{Subject: subject, HTML: h.String(), Text: t.String()}, nil
}
