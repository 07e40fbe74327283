package messages

import "sort"

// Less orders messages by (SequenceID asc, Timestamp asc). Messages without a
// sequence id sort after every sequenced message. ID breaks remaining ties so
// the order is total.
func Less(a, b Message) bool {
	switch {
	case a.HasSequence() && b.HasSequence():
		if a.SequenceID != b.SequenceID {
			return a.SequenceID < b.SequenceID
		}
	case a.HasSequence():
		return true
	case b.HasSequence():
		return false
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Sort orders msgs in place.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return Less(msgs[i], msgs[j])
	})
}
