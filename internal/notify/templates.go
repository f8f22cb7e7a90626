package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

type mailTemplate struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

var templateSources = map[Kind][2]string{
	KindRequestSubmitted: {
		`New studio request from {{.name}}`,
		`<p>A new studio request was submitted.</p>
<ul>
<li><strong>Name:</strong> {{.name}}</li>
<li><strong>Email:</strong> {{.email}}</li>
<li><strong>Phone:</strong> {{.phone}}</li>
<li><strong>Date:</strong> {{.date}}</li>
<li><strong>Start:</strong> {{.start}}</li>
<li><strong>Hours:</strong> {{.hours}}</li>
<li><strong>Notes:</strong> {{.notes}}</li>
</ul>
<p><a href="{{.review_url}}">Review the request</a></p>`,
	},
	KindRequestApprovedPaymentLink: {
		`Complete Your Payment for Studio Reservation`,
		`<p>Hi {{.name}},</p>
<p>Your studio request has been approved.</p>
<ul>
<li><strong>Date:</strong> {{.date}}</li>
<li><strong>Time:</strong> {{.start}}</li>
<li><strong>Hours:</strong> {{.hours}} hour(s)</li>
<li><strong>Amount Due:</strong> {{.amount}}</li>
</ul>
<p>To confirm your reservation, please complete the payment:</p>
<p><a href="{{.payment_url}}">Complete Payment</a></p>`,
	},
	KindRequestDeclined: {
		`Your studio request could not be accommodated`,
		`<p>Hi {{.name}},</p>
<p>Unfortunately we could not accept your request for {{.date}} at {{.start}}.</p>
{{if .suggested_times}}<p>The following times are available instead: {{.suggested_times}}</p>{{end}}
<p>Feel free to submit a new request.</p>`,
	},
	KindPaymentConfirmed: {
		`Your studio reservation is confirmed`,
		`<p>Hi {{.name}},</p>
<p>We received your payment. Your reservation on {{.date}} at {{.start}} for {{.hours}} hour(s) is confirmed.</p>`,
	},
	KindSessionBooked: {
		`Studio session booked`,
		`<p>Hi {{.name}},</p>
<p>Your session on {{.date}} is booked for {{.hours}} hour(s): {{.start}}.</p>`,
	},
	KindMembershipActivated: {
		`{{if eq .reactivated "true"}}Your membership has been reactivated{{else}}Welcome to your studio membership{{end}}`,
		`<p>Hi {{.name}},</p>
<p>Your membership is active. Credits available: {{.credits}}.</p>
<p>Next billing date: {{.next_billing_date}}</p>`,
	},
	KindMembershipRenewed: {
		`Your membership has been renewed`,
		`<p>Hi {{.name}},</p>
<p>Your membership was renewed. {{.credits_added}} credits were added, for a total of {{.credits}}.</p>
<p>Next billing date: {{.next_billing_date}}</p>`,
	},
	KindMembershipPaymentFailed: {
		`Membership payment failed`,
		`<p>Hi {{.name}},</p>
<p>We could not process your latest membership payment, and your membership has been paused.</p>
<p>Please update your payment method to continue booking.</p>`,
	},
	KindMembershipCanceled: {
		`Your membership has been canceled`,
		`<p>Hi {{.name}},</p>
<p>Your membership has been canceled. We hope to see you again.</p>`,
	},
	KindMembershipCancellationScheduled: {
		`Your membership will end on {{.valid_until}}`,
		`<p>Hi {{.name}},</p>
<p>Your membership has been set to cancel. You can keep booking until {{.valid_until}}.</p>`,
	},
	KindInviteIssued: {
		`You're invited to the studio`,
		`<p>You have been invited to join as {{.role}}.</p>
<p><a href="{{.invite_url}}">Accept the invitation</a></p>
<p>This link expires on {{.expires_at}}.</p>`,
	},
}

var templates = mustParseTemplates()

func mustParseTemplates() map[Kind]mailTemplate {
	out := make(map[Kind]mailTemplate, len(templateSources))
	for kind, src := range templateSources {
		out[kind] = mailTemplate{
			subject: texttemplate.Must(texttemplate.New(string(kind)).Option("missingkey=zero").Parse(src[0])),
			body:    htmltemplate.Must(htmltemplate.New(string(kind)).Option("missingkey=zero").Parse(src[1])),
		}
	}
	return out
}

// Render は通知の件名と本文HTMLを生成する。
func Render(msg Message) (subject, body string, err error) {
	tmpl, ok := templates[msg.Kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind: %s", msg.Kind)
	}
	data := msg.Data
	if data == nil {
		data = map[string]string{}
	}

	var sb, bb bytes.Buffer
	if err := tmpl.subject.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.body.Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}
