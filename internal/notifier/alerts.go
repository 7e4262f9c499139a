package notifier

import (
	"fmt"
	"time"
)

// StaleAfter is how long a ticker may go without a fill before the
// stale alert fires.
const StaleAfter = 5 * 24 * time.Hour

// LowFundsMessage is sent when a ticker can no longer afford its next
// grid buy, so more cash can be allocated manually.
func LowFundsMessage(symbol string, balance, nextCost float64) string {
	return fmt.Sprintf("Funds low for %s: balance %.2f cannot cover next buy cost %.2f", symbol, balance, nextCost)
}

// StaleTickerMessage is sent when a ticker has had no fill for
// StaleAfter; its grid parameters likely drifted away from the market.
func StaleTickerMessage(symbol string, lastFill time.Time) string {
	if lastFill.IsZero() {
		return fmt.Sprintf("Ticker %s has never traded since start; check its first buy price", symbol)
	}
	return fmt.Sprintf("Ticker %s has not traded since %s; check its grid parameters", symbol, lastFill.Format("2006-01-02 15:04"))
}
