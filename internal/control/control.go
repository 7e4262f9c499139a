// Package control is the interactive operator console: inspect the
// live session or stop it between trading steps.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/amirphl/grid-trader/internal/ticker"
)

// Console reads commands from in and reports on out. It never touches
// ticker state directly; "check" works from a snapshot and "stop"
// records a halt reason the coordinator observes at its next step
// boundary.
type Console struct {
	book *ticker.Book
	in   io.Reader
	out  io.Writer
}

func New(book *ticker.Book, in io.Reader, out io.Writer) *Console {
	return &Console{book: book, in: in, out: out}
}

// Run processes commands until "stop", EOF or context cancellation.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprintln(c.out, "commands: check | errors | stop")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
		case "check":
			c.printSnapshot()
		case "errors":
			c.printErrors()
		case "stop":
			c.book.Halt("stopped from console")
			fmt.Fprintln(c.out, "stop requested; finishing the current step and persisting state")
			return nil
		default:
			fmt.Fprintln(c.out, "commands: check | errors | stop")
		}
	}
	return scanner.Err()
}

func (c *Console) printSnapshot() {
	snap := c.book.Snapshot()
	fmt.Fprintf(c.out, "session at %s (recovered=%v)\n", snap.Taken.Format("2006-01-02 15:04:05"), snap.Recovered)
	for _, sym := range snap.Symbols {
		ts := snap.Tickers[sym]
		fmt.Fprintf(c.out, "%-6s balance=%.2f owned=%.0f avg=%.4f bid/ask=%.4f/%.4f\n",
			sym, ts.AvailableBalance, ts.StockOwned, ts.AverageBuy, ts.BidPrice, ts.AskPrice)
		if ts.LimitBuyID != 0 {
			fmt.Fprintf(c.out, "       buy  #%d at %.4f\n", ts.LimitBuyID, ts.LimitBuyPrice)
		}
		if ts.LimitSellID != 0 {
			fmt.Fprintf(c.out, "       sell #%d at %.4f (filled %.0f)\n", ts.LimitSellID, ts.LimitSellPrice, ts.LastFillQuantity)
		}
		if ts.PreviousSell > 0 {
			fmt.Fprintf(c.out, "       last sale at %.4f\n", ts.PreviousSell)
		}
	}
	if len(snap.CycleErrors) > 0 {
		fmt.Fprintf(c.out, "%d error(s) this cycle; type 'errors' to list them\n", len(snap.CycleErrors))
	}
}

func (c *Console) printErrors() {
	errs := c.book.CycleErrors()
	if len(errs) == 0 {
		fmt.Fprintln(c.out, "no errors this cycle")
		return
	}
	for i, e := range errs {
		fmt.Fprintf(c.out, "%d. %s\n", i+1, e)
	}
}
