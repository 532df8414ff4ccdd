package ollama

const fieldContract = `Return a strict JSON object {"fields": [...]} where every element is
{"name": string, "value": string, "confidence": number between 0 and 1}.
Allowed names: merchant, date, currency, subtotal, tax, total, line_item.
Emit one line_item element per purchased line, as "<quantity> x <description> <amount>".
Copy values exactly as printed; do not convert currencies or reformat dates.
Omit fields that are not present. No markdown, no extra keys.`

func buildImagePrompt() string {
	return "You read photographed or scanned purchase receipts.\n" + fieldContract
}

func buildTextPrompt(text string) string {
	const maxSnippet = 8000
	snippet := text
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}
	return "You read the text layer of purchase receipts.\n" + fieldContract + "\n\nReceipt text:\n" + snippet
}
