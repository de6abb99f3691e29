package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrBillNumberTaken is returned by BillRepository.Create when the bill
// number collides with an existing one.
var ErrBillNumberTaken = errors.New("bill number already taken")

// NumberPeriod returns the PREFIX-YYYYMM- stem shared by every bill number
// issued in t's month.
func NumberPeriod(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s-", prefix, t.Format("200601"))
}

// FormatBillNumber renders PREFIX-YYYYMM-NNNN.
func FormatBillNumber(prefix string, t time.Time, seq int) string {
	return fmt.Sprintf("%s%04d", NumberPeriod(prefix, t), seq)
}
