package pricing

import (
	"sync/atomic"

	"github.com/visiquate/cco-sub021/internal/core"
)

const tokensPerMillion = 1_000_000

// Cost is the result of pricing one call.
type Cost struct {
	Actual  core.Nanos
	WouldBe core.Nanos
	// Known is false when the model had no pricing entry; both amounts are zero then.
	Known bool
	Tier  core.Tier
	// Model is the pricing key that matched.
	Model string
}

// Savings is the amount avoided through caching.
func (c Cost) Savings() core.Nanos {
	return c.WouldBe - c.Actual
}

// Calculator prices token usage against a swappable Table.
type Calculator struct {
	table atomic.Pointer[Table]
}

// NewCalculator creates a calculator over table. A nil table means DefaultTable.
func NewCalculator(table *Table) *Calculator {
	if table == nil {
		table = DefaultTable()
	}
	c := &Calculator{}
	c.table.Store(table)
	return c
}

// SetTable atomically replaces the pricing table.
func (c *Calculator) SetTable(table *Table) {
	if table != nil {
		c.table.Store(table)
	}
}

// Table returns the current pricing table.
func (c *Calculator) Table() *Table {
	return c.table.Load()
}

// Compute returns the actual and would-be cost of a call.
//
// Actual bills cache reads and writes at their own rates and only the remaining
// input at the input rate. Would-be bills the full input at the input rate, which
// is what the call would have cost with no caching of any kind.
func (c *Calculator) Compute(model string, inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens int) Cost {
	entry := c.table.Load().Lookup(model)
	cost := Cost{Known: entry.Known, Tier: entry.Tier, Model: entry.Model}
	if !entry.Known {
		return cost
	}

	r := entry.rates
	uncached := inputTokens - cacheWriteTokens - cacheReadTokens
	if uncached < 0 {
		// inconsistent upstream usage; never bill negative input
		uncached = 0
	}

	cost.Actual = tokenCost(cacheReadTokens, r.cacheRead) +
		tokenCost(cacheWriteTokens, r.cacheWrite) +
		tokenCost(uncached, r.input) +
		tokenCost(outputTokens, r.output)
	cost.WouldBe = tokenCost(inputTokens, r.input) + tokenCost(outputTokens, r.output)
	return cost
}

// ComputeUsage is Compute over a core.Usage.
func (c *Calculator) ComputeUsage(model string, u core.Usage) Cost {
	return c.Compute(model, u.InputTokens, u.OutputTokens, u.CacheWriteTokens, u.CacheReadTokens)
}

// tokenCost prices n tokens at perMillion nanodollars per million tokens.
// The whole-million part is exact; the remainder is rounded to the nearest nanodollar.
func tokenCost(n int, perMillion core.Nanos) core.Nanos {
	if n <= 0 || perMillion == 0 {
		return 0
	}
	tokens := int64(n)
	whole := tokens / tokensPerMillion
	rem := tokens % tokensPerMillion
	return core.Nanos(whole*int64(perMillion) + (rem*int64(perMillion)+tokensPerMillion/2)/tokensPerMillion)
}
