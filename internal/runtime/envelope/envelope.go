// Package envelope holds the immutable message wrapper that travels through
// the bus together with its ordered stamp metadata.
package envelope

// Stamp is a piece of typed metadata attached to an Envelope. Stamps are value
// types; StampName must not depend on the receiver's contents so that the zero
// value of a stamp type reports the same name.
type Stamp interface {
	StampName() string
}

// NonSendable is implemented by stamps that only make sense inside the current
// process and are never written to the wire.
type NonSendable interface {
	Stamp
	NonSendable()
}

// Envelope wraps a message with an ordered list of stamps. Every mutating
// method returns a new Envelope and leaves the receiver untouched.
type Envelope struct {
	message any
	stamps  []Stamp
}

// Wrap returns an envelope for message. When message already is an Envelope
// the stamps are appended to it.
func Wrap(message any, stamps ...Stamp) *Envelope {
	if env, ok := message.(*Envelope); ok {
		return env.With(stamps...)
	}
	return &Envelope{message: message, stamps: compact(stamps)}
}

// Message returns the wrapped payload.
func (e *Envelope) Message() any {
	return e.message
}

// WithMessage returns a copy of the envelope carrying a different payload.
// A previously captured serialized body no longer matches and is dropped.
func (e *Envelope) WithMessage(message any) *Envelope {
	next := e.WithoutAll(SerializedMessageStamp{}.StampName())
	next.message = message
	return next
}

// With appends stamps, preserving the order they are given in.
func (e *Envelope) With(stamps ...Stamp) *Envelope {
	stamps = compact(stamps)
	if len(stamps) == 0 {
		return e
	}
	next := make([]Stamp, 0, len(e.stamps)+len(stamps))
	next = append(next, e.stamps...)
	next = append(next, stamps...)
	return &Envelope{message: e.message, stamps: next}
}

// WithoutAll drops every stamp named name and keeps the rest in order.
func (e *Envelope) WithoutAll(name string) *Envelope {
	return e.filter(func(s Stamp) bool { return s.StampName() != name })
}

// WithoutNonSendable drops every stamp implementing NonSendable.
func (e *Envelope) WithoutNonSendable() *Envelope {
	return e.filter(func(s Stamp) bool {
		_, local := s.(NonSendable)
		return !local
	})
}

// Last returns the most recently appended stamp named name, or nil.
func (e *Envelope) Last(name string) Stamp {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if e.stamps[i].StampName() == name {
			return e.stamps[i]
		}
	}
	return nil
}

// All returns the stamps named name in insertion order.
func (e *Envelope) All(name string) []Stamp {
	var out []Stamp
	for _, s := range e.stamps {
		if s.StampName() == name {
			out = append(out, s)
		}
	}
	return out
}

// Count returns how many stamps named name are attached.
func (e *Envelope) Count(name string) int {
	n := 0
	for _, s := range e.stamps {
		if s.StampName() == name {
			n++
		}
	}
	return n
}

// Stamps returns a copy of every stamp in insertion order.
func (e *Envelope) Stamps() []Stamp {
	out := make([]Stamp, len(e.stamps))
	copy(out, e.stamps)
	return out
}

// Names lists the distinct stamp names in order of first appearance.
func (e *Envelope) Names() []string {
	seen := make(map[string]struct{}, len(e.stamps))
	var names []string
	for _, s := range e.stamps {
		name := s.StampName()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func (e *Envelope) filter(keep func(Stamp) bool) *Envelope {
	next := make([]Stamp, 0, len(e.stamps))
	for _, s := range e.stamps {
		if keep(s) {
			next = append(next, s)
		}
	}
	return &Envelope{message: e.message, stamps: next}
}

func compact(stamps []Stamp) []Stamp {
	out := stamps[:0:0]
	for _, s := range stamps {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// NameOf returns the stamp name of T.
func NameOf[T Stamp]() string {
	var zero T
	return zero.StampName()
}

// Last returns the most recent stamp of type T.
func Last[T Stamp](e *Envelope) (T, bool) {
	stamp, ok := e.Last(NameOf[T]()).(T)
	return stamp, ok
}

// All returns every stamp of type T in insertion order.
func All[T Stamp](e *Envelope) []T {
	var out []T
	for _, s := range e.All(NameOf[T]()) {
		if typed, ok := s.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Has reports whether at least one stamp of type T is attached.
func Has[T Stamp](e *Envelope) bool {
	return e.Last(NameOf[T]()) != nil
}

// Without drops every stamp of type T.
func Without[T Stamp](e *Envelope) *Envelope {
	return e.WithoutAll(NameOf[T]())
}
