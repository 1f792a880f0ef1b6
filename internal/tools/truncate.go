package tools

// TruncateResult caps a tool result at maxChars, marking the cut with
// an ellipsis. maxChars <= 0 disables truncation.
func TruncateResult(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "..."
}
