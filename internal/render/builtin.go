package render

import "github.com/fcarle/accflow/internal/deadline"

// builtin holds the long-form copy written for each fixed deadline.
var builtin = map[string]Message{
	deadline.CategoryAccounts: {
		Subject: "Annual accounts for {{company_name}} due {{due_date}}",
		Body: `<p>Dear {{client_name}},</p>
<p>The annual accounts for <strong>{{company_name}}</strong> must be filed with Companies House by <strong>{{due_date}}</strong>.</p>
<p>To prepare them in good time we will need your bank statements, sales and purchase records, and details of any assets bought or sold during the year. Late filing attracts an automatic penalty from Companies House.</p>
<p>You can upload documents and check progress in your client portal: <a href="{{portal_url}}">{{portal_url}}</a></p>`,
	},
	deadline.CategoryConfirmationStatement: {
		Subject: "Confirmation statement for {{company_name}} due {{due_date}}",
		Body: `<p>Dear {{client_name}},</p>
<p>The confirmation statement for <strong>{{company_name}}</strong> is due by <strong>{{due_date}}</strong>.</p>
<p>Please let us know if there have been any changes to directors, shareholders, people with significant control or the registered office since the last statement. If nothing has changed we can file it for you as it stands.</p>
<p>Your portal: <a href="{{portal_url}}">{{portal_url}}</a></p>`,
	},
	deadline.CategoryVAT: {
		Subject: "VAT return for {{company_name}} due {{due_date}}",
		Body: `<p>Dear {{client_name}},</p>
<p>The next VAT return for <strong>{{company_name}}</strong> is due by <strong>{{due_date}}</strong>, and any VAT owed must reach HMRC by the same date.</p>
<p>Please make sure all sales and purchase invoices for the period are recorded or uploaded so that we can prepare the return.</p>
<p>Your portal: <a href="{{portal_url}}">{{portal_url}}</a></p>`,
	},
	deadline.CategoryCorporationTax: {
		Subject: "Corporation tax for {{company_name}} due {{due_date}}",
		Body: `<p>Dear {{client_name}},</p>
<p>Corporation tax for <strong>{{company_name}}</strong> is payable by <strong>{{due_date}}</strong>.</p>
<p>We will confirm the amount due once the accounts are finalised. Interest is charged by HMRC on payments received after the deadline.</p>
<p>Your portal: <a href="{{portal_url}}">{{portal_url}}</a></p>`,
	},
}

const (
	customSubject = "Reminder: {{title}} Due Soon"

	fallbackSubject = "Reminder: {{category}} due {{due_date}}"
	fallbackBody    = `<p>Dear {{client_name}},</p>
<p>This is a reminder that {{category}} for {{company_name}} is due on {{due_date}}.</p>`
)

const productionFooter = `
<hr>
<p style="font-size:12px;color:#666">%s<br>
This email and any attachments are confidential and intended solely for the addressee. If you have received it in error please notify the sender and delete it.</p>`

const testFooter = `
<hr>
<p style="font-size:12px;color:#666"><strong>This is a test reminder.</strong> It was sent to check how the message will look and has not been sent to the client.<br>
Questions about this reminder: %s</p>`
