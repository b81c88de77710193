package domain

// transitions is the full set of legal status moves. Anything not listed
// is rejected with ErrInvalidTransition; admin actions go through the
// same table as the dispatcher.
var transitions = map[Status][]Status{
	Scheduled:  {Queued, Cancelled, Sent},
	Queued:     {Processing, NoCredits, Cancelled, Sent},
	Processing: {Sent, Failed, Queued}, // Queued only via stuck reclaim
	Failed:     {Queued, DeadLetter, Cancelled, Sent},
	NoCredits:  {Queued, Sent},
	DeadLetter: {Queued, Sent},
	Sent:       {},
	Cancelled:  {},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable statuses per admin contract: never cancel an in-flight
// provider call.
func Cancellable(s Status) bool {
	return s == Scheduled || s == Queued || s == Failed
}
