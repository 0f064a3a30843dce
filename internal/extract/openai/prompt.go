package openai

import (
	"strings"

	"github.com/joseph-ayodele/bill-extractor/internal/extract"
)

func buildSystemPrompt() string {
	parts := []string{
		"You are a utility bill data extraction expert. Return ONLY JSON that matches the provided JSON Schema.",
		"All dates use YYYY-MM-DD.",
		"Money amounts and meter readings are numbers, never strings.",
		"Boolean fields are true or false.",
		"Extract every meter on the bill as one entry in 'meters'.",
		"'bill_type' must be one of: " + strings.Join(extract.BillTypes, ", ") + ".",
		"If a field is not present, set it to null.",

		// Charge categorization:
		"'utility_taxes' is ONLY the sum of State Tax, Sales Tax, Utility Tax and City Tax.",
		"'utility_charges' is base charges plus all fees and surcharges except taxes and explicit other charges.",
		"'supply_charges' covers generation, supply service and energy procurement costs.",
		"'supply_taxes' are taxes on the supply or generation portion of the bill.",
		"'other_charge' ONLY includes lines labeled Other Charge(s) or Other Cost(s).",
	}
	return strings.Join(parts, " ")
}

func buildUserPrompt(text, filename string, maxLen int) string {
	var b strings.Builder
	b.WriteString("Filename: ")
	b.WriteString(filename)
	b.WriteString("\n\nBill text:\n")
	if len(text) > maxLen {
		b.WriteString(text[:maxLen])
	} else {
		b.WriteString(text)
	}
	return b.String()
}
