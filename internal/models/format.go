package models

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatCount renders n with thousands separators, e.g. 5,000,000.
func FormatCount(n int64) string {
	return printer.Sprintf("%d", n)
}

// FormatMoney renders v with thousands separators and two decimals, e.g. 1,234.50.
func FormatMoney(v float64) string {
	return printer.Sprintf("%.2f", v)
}
