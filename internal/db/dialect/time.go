package dialect

import "fmt"

// NowMinusHours renders the SQL for "current time minus N hours", used by
// the inbox recency windows. hoursExpr is a placeholder or column yielding
// the hour count.
func NowMinusHours(driver, hoursExpr string) string {
	if !IsPostgres(driver) {
		return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
	}
	return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
}
