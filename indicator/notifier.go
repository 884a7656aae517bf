package indicator

import (
	"errors"

	"cardpool/lending"
)

// Notifier drives an Indicator from lending notices.
type Notifier struct {
	Indicator Indicator
}

// Notify implements lending.Notifier.
func (n Notifier) Notify(no lending.Notice) {
	switch no.Kind {
	case lending.NoticeStaffAccepted:
		n.Indicator.Waiting(&Info{Staff: no.StaffName})
	case lending.NoticeCompleted:
		n.Indicator.Accepted(&Info{
			Action: no.Outcome.Action.String(),
			Staff:  no.Outcome.StaffName,
			Card:   no.Outcome.CardIDm,
		})
	case lending.NoticeRejected:
		info := &Info{}
		var le *lending.Error
		if errors.As(no.Err, &le) {
			info.Warning = le.Kind.String()
			info.Card = le.Identity
		} else if no.Err != nil {
			info.Warning = no.Err.Error()
		}
		n.Indicator.Rejected(info)
	case lending.NoticeCancelled:
		n.Indicator.Idle()
	}
}
