package mailtmpl

import (
	"fmt"
	"time"
	"unicode"

	"github.com/goodsign/monday"
)

// FormatLongDate renders t in the long French form used by the emails:
//
//	Lundi 3 mars 2025 14h05
//
// The weekday starts with a capital, the day of the month and the hour
// carry no leading zero, and the minute is always two digits.
func FormatLongDate(t time.Time) string {
	date := monday.Format(t, "Monday 2 January 2006", monday.LocaleFrFR)
	r := []rune(date)
	r[0] = unicode.ToUpper(r[0])
	return fmt.Sprintf("%s %dh%02d", string(r), t.Hour(), t.Minute())
}
