// Package deadline resolves client due dates and decides when a reminder
// window opens.
package deadline

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/fcarle/accflow/internal/db"
)

// Alert categories. The fixed ones map onto a client deadline column;
// CategoryTask takes its due date from the linked task.
const (
	CategoryAccounts              = "accounts"
	CategoryConfirmationStatement = "confirmation_statement"
	CategoryVAT                   = "vat"
	CategoryCorporationTax        = "corporation_tax"
	CategoryTask                  = "task"
)

// FixedCategories lists the categories backed by a client column, in the
// order the gap detector and provisioning walk them.
var FixedCategories = []string{
	CategoryAccounts,
	CategoryConfirmationStatement,
	CategoryVAT,
	CategoryCorporationTax,
}

var clientFields = map[string]string{
	CategoryAccounts:              "next_accounts_due",
	CategoryConfirmationStatement: "next_confirmation_statement_due",
	CategoryVAT:                   "next_vat_due",
	CategoryCorporationTax:        "corporation_tax_due",
}

// IsFixed reports whether category reads a client deadline column.
func IsFixed(category string) bool {
	_, ok := clientFields[category]
	return ok
}

// ClientField returns the client column backing a fixed category.
func ClientField(category string) (string, bool) {
	f, ok := clientFields[category]
	return f, ok
}

// ClientValue returns the raw stored deadline for a fixed category, or nil.
func ClientValue(c *db.Client, category string) *string {
	if c == nil {
		return nil
	}
	switch category {
	case CategoryAccounts:
		return c.NextAccountsDue
	case CategoryConfirmationStatement:
		return c.NextConfirmationStatementDue
	case CategoryVAT:
		return c.NextVATDue
	case CategoryCorporationTax:
		return c.CorporationTaxDue
	}
	return nil
}

// FriendlyName turns a category key into display text:
// "confirmation_statement" becomes "Confirmation Statement".
func FriendlyName(category string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(category, "_", " "))
}
