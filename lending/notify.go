package lending

// NoticeKind tells what a Notice reports.
type NoticeKind int

const (
	NoticeStaffAccepted NoticeKind = iota + 1
	NoticeCompleted
	NoticeRejected
	NoticeCancelled
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeStaffAccepted:
		return "staff_accepted"
	case NoticeCompleted:
		return "completed"
	case NoticeRejected:
		return "rejected"
	case NoticeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Notice is sent to the Notifier for every tap outcome. An expired
// pairing window is a NoticeRejected carrying OperationTimeout.
type Notice struct {
	Kind      NoticeKind
	StaffIDm  string
	StaffName string
	Outcome   Outcome // NoticeCompleted
	Err       error   // NoticeRejected
}

// Notifier receives fire-and-forget feedback (sound, LEDs, remote
// status). Notify must not block for long; it is called from the tap
// path.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}
