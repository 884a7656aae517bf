package lending

import (
	"fmt"
	"strings"
	"time"

	"cardpool/felica"
	"cardpool/store"
)

const (
	labelCharge = "役務費によりチャージ"
	labelBus    = "バス（★）"
	labelNoUse  = "（利用なし）"
)

type usage struct {
	summary string
	income  int
	expense int
	details []store.Detail
}

// summarize folds the trips taken since the lend day into a ledger
// summary. trips are newest first, as read from the card; details come
// out oldest first.
func summarize(trips []felica.TripRecord, lentAt time.Time) usage {
	var since time.Time
	if !lentAt.IsZero() {
		y, m, d := lentAt.Date()
		since = time.Date(y, m, d, 0, 0, 0, 0, lentAt.Location())
	}

	var u usage
	var labels []string
	for i := len(trips) - 1; i >= 0; i-- {
		t := trips[i]
		if t.UseTime.Before(since) {
			continue
		}
		if t.Amount != nil {
			if t.IsCharge {
				u.income += *t.Amount
			} else {
				u.expense += *t.Amount
			}
		}
		u.details = append(u.details, store.Detail{
			UseTime:    t.UseTime,
			EntryPoint: t.EntryPoint,
			ExitPoint:  t.ExitPoint,
			Amount:     t.Amount,
			Balance:    t.BalanceAfter,
			IsCharge:   t.IsCharge,
			IsBus:      t.IsBus,
		})

		l := label(t)
		if len(labels) == 0 || labels[len(labels)-1] != l {
			labels = append(labels, l)
		}
	}

	if len(labels) == 0 {
		u.summary = labelNoUse
	} else {
		u.summary = strings.Join(labels, "、")
	}
	return u
}

func label(t felica.TripRecord) string {
	switch {
	case t.IsCharge:
		return labelCharge
	case t.IsBus:
		return labelBus
	case t.EntryPoint == "" && t.ExitPoint == "":
		return "鉄道"
	}
	return fmt.Sprintf("鉄道（%s～%s）", t.EntryPoint, t.ExitPoint)
}
