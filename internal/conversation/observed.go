package conversation

import "context"

// AppendObserver is notified after every successful Append call.
type AppendObserver interface {
	ObserveAppend(scope string, added bool)
}

type observedStore struct {
	Store
	observer AppendObserver
}

// WithObserver reports append results of s to o.
func WithObserver(s Store, o AppendObserver) Store {
	if o == nil {
		return s
	}
	return &observedStore{Store: s, observer: o}
}

func (s *observedStore) Append(ctx context.Context, scope Scope, text string, opts AppendOptions) (bool, error) {
	added, err := s.Store.Append(ctx, scope, text, opts)
	if err == nil {
		s.observer.ObserveAppend(scope.Kind(), added)
	}
	return added, err
}
