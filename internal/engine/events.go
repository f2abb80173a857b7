package engine

// EventType names an engine event stream.
type EventType string

const (
	EventNewBlock       EventType = "new_block"
	EventNewTransaction EventType = "new_transaction"
	EventError          EventType = "error"
)

// Event is delivered to subscribers. Exactly one of Block, Tx or Err is set,
// matching Type.
type Event struct {
	Type  EventType
	Block *Block
	Tx    *Transaction
	Err   error
}

// Subscribers is a registry of event callbacks. It is not safe for
// concurrent use; engines only touch it from their loop.
type Subscribers struct {
	next uint64
	subs map[EventType]map[uint64]func(Event)
}

// Add registers cb and returns a function removing it.
func (s *Subscribers) Add(t EventType, cb func(Event)) func() {
	if s.subs == nil {
		s.subs = make(map[EventType]map[uint64]func(Event))
	}
	if s.subs[t] == nil {
		s.subs[t] = make(map[uint64]func(Event))
	}
	s.next++
	id := s.next
	s.subs[t][id] = cb
	return func() { delete(s.subs[t], id) }
}

// Emit calls every callback registered for ev.Type.
func (s *Subscribers) Emit(ev Event) {
	for _, cb := range s.subs[ev.Type] {
		cb(ev)
	}
}
