package store

// Observer receives change notifications for the change ids it observes.
//
// Implementations must be comparable (typically a pointer), since the same
// value is passed to StopObserving to detach it.
type Observer interface {
	DocumentChanged(changeID string)
}

// ObserverFunc adapts a function to Observer. A *ObserverFunc is comparable;
// take its address before registering it.
type ObserverFunc func(changeID string)

// DocumentChanged calls f.
func (f *ObserverFunc) DocumentChanged(changeID string) {
	(*f)(changeID)
}

// Observe registers o for writes to changeID. Registering the same observer
// twice for one id is a no-op.
func (s *Store) Observe(changeID string, o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.observers[changeID]
	if !ok {
		set = make(map[Observer]struct{})
		s.observers[changeID] = set
	}
	set[o] = struct{}{}
}

// StopObserving detaches o from changeID.
func (s *Store) StopObserving(changeID string, o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.observers[changeID]
	if !ok {
		return
	}
	delete(set, o)
	if len(set) == 0 {
		delete(s.observers, changeID)
	}
}

// ObserverCount returns how many observers are attached to changeID.
func (s *Store) ObserverCount(changeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers[changeID])
}

// ObservedIDs returns the number of change ids with at least one observer.
func (s *Store) ObservedIDs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// notify fires observers of the document and of its collection. Observers
// are collected under the lock and invoked after it is released, so a callback
// may observe or stop observing.
func (s *Store) notify(collection, id string) {
	docID := ChangeID(collection, id)
	colID := CollectionID(collection)

	type target struct {
		o  Observer
		id string
	}

	s.mu.Lock()
	var targets []target
	for o := range s.observers[docID] {
		targets = append(targets, target{o, docID})
	}
	for o := range s.observers[colID] {
		targets = append(targets, target{o, colID})
	}
	s.mu.Unlock()

	s.logger.Debug("document changed", "id", docID, "observers", len(targets))
	for _, t := range targets {
		t.o.DocumentChanged(t.id)
	}
}
