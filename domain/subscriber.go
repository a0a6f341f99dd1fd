package domain

// Subscriber is a delivery sink with a bounded mailbox. Delivery never blocks
// the producing connection actor: when the mailbox is full the event is
// dropped and the caller may count it.
type Subscriber struct {
	ID string
	C  chan Event
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &Subscriber{
		ID: id,
		C:  make(chan Event, buffer),
	}
}

func (s *Subscriber) TrySend(ev Event) bool {
	select {
	case s.C <- ev:
		return true
	default:
		return false
	}
}
