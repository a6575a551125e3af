/*
calculator.go - Invoice amount arithmetic

PURPOSE:
  Pure functions that split a project budget into invoice amounts.
  No I/O, no errors, no panics: negative inputs clamp to zero.

SPLITS:
  Completion invoicing:
    upfront   = round2(budget × UpfrontPercent)        (default 12%)
    remainder = budget − upfront
    per task  = round2(remainder / remaining tasks)

  Milestone invoicing:
    share     = round2(budget / milestones)

ROUNDING REMAINDER:
  Equal shares rounded to cents rarely add back to the budget
  (10000 / 3 = 3333.33 × 3 = 9999.99). The last invoice of a split absorbs
  the difference, so the invoices of a project always sum to its budget:

    SplitMilestones(10000, 3) = [3333.33, 3333.33, 3333.34]

  NextShare applies the same rule incrementally: the amount for the next
  invoice is an equal share of what is left, except the final one, which
  is exactly what is left.
*/
package billing

import "github.com/shopspring/decimal"

// DefaultUpfrontPercent is the share of a completion-method budget invoiced
// at project activation.
var DefaultUpfrontPercent = decimal.NewFromFloat(0.12)

type Calculator struct {
	UpfrontPercent decimal.Decimal
}

func NewCalculator(upfrontPercent decimal.Decimal) Calculator {
	if upfrontPercent.IsNegative() || upfrontPercent.GreaterThan(decimal.NewFromInt(1)) {
		upfrontPercent = DefaultUpfrontPercent
	}
	return Calculator{UpfrontPercent: upfrontPercent}
}

func (c Calculator) pct() decimal.Decimal {
	if c.UpfrontPercent.IsZero() {
		return DefaultUpfrontPercent
	}
	return c.UpfrontPercent
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Upfront is the activation invoice of a completion-method project.
func (c Calculator) Upfront(budget decimal.Decimal) decimal.Decimal {
	return Cents(nonNegative(budget).Mul(c.pct()))
}

// CompletionRemainder is what is left to invoice after the upfront payment.
func (c Calculator) CompletionRemainder(budget, upfrontPaid decimal.Decimal) decimal.Decimal {
	return nonNegative(budget.Sub(nonNegative(upfrontPaid)))
}

// PerTask divides remainder evenly across the remaining tasks.
func (c Calculator) PerTask(remainder decimal.Decimal, remainingTasks int) decimal.Decimal {
	if remainingTasks < 1 {
		remainingTasks = 1
	}
	return Cents(nonNegative(remainder).Div(decimal.NewFromInt(int64(remainingTasks))))
}

// MilestoneShare is one equal share of the budget.
func (c Calculator) MilestoneShare(budget decimal.Decimal, milestoneCount int) decimal.Decimal {
	if milestoneCount < 1 {
		return decimal.Zero
	}
	return Cents(nonNegative(budget).Div(decimal.NewFromInt(int64(milestoneCount))))
}

// SplitMilestones returns count shares summing exactly to budget.
func (c Calculator) SplitMilestones(budget decimal.Decimal, count int) []decimal.Decimal {
	if count < 1 {
		return nil
	}
	shares := make([]decimal.Decimal, count)
	invoiced := decimal.Zero
	for i := 0; i < count; i++ {
		shares[i] = c.NextShare(budget, invoiced, i, count)
		invoiced = invoiced.Add(shares[i])
	}
	return shares
}

// NextShare is the amount of the next invoice in an equal split of total
// into count invoices, when invoicedCount invoices worth alreadyInvoiced
// exist. The last invoice takes exactly what is left.
func (c Calculator) NextShare(total, alreadyInvoiced decimal.Decimal, invoicedCount, count int) decimal.Decimal {
	if count < 1 {
		return decimal.Zero
	}
	left := nonNegative(Cents(nonNegative(total)).Sub(alreadyInvoiced))
	if invoicedCount >= count-1 {
		return left
	}
	return decimal.Min(c.MilestoneShare(total, count), left)
}
