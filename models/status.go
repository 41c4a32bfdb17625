package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type SubscriptionStatus int

const (
	SubscriptionPending SubscriptionStatus = iota
	SubscriptionSubscribed
	SubscriptionUnsubscribed
)

var subscriptionStatusNames = map[SubscriptionStatus]string{
	SubscriptionPending:      "PENDING",
	SubscriptionSubscribed:   "SUBSCRIBED",
	SubscriptionUnsubscribed: "UNSUBSCRIBED",
}

func (s SubscriptionStatus) String() string {
	if name, ok := subscriptionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SubscriptionStatus(%d)", int(s))
}

func (s SubscriptionStatus) Valid() bool {
	_, ok := subscriptionStatusNames[s]
	return ok
}

func (s SubscriptionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SubscriptionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range subscriptionStatusNames {
		if strings.EqualFold(n, name) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown subscription status %q", name)
}

// SubmissionStatus moves strictly forward: NEW -> PENDING -> SENDING -> SENT.
type SubmissionStatus int

const (
	SubmissionNew SubmissionStatus = iota
	SubmissionPending
	SubmissionSending
	SubmissionSent
)

var submissionStatusNames = map[SubmissionStatus]string{
	SubmissionNew:     "NEW",
	SubmissionPending: "PENDING",
	SubmissionSending: "SENDING",
	SubmissionSent:    "SENT",
}

// submissionTransitions maps a target status to the statuses it may be
// entered from.
var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionPending: {SubmissionNew},
	SubmissionSending: {SubmissionPending},
	SubmissionSent:    {SubmissionSending},
}

func (s SubmissionStatus) String() string {
	if name, ok := submissionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SubmissionStatus(%d)", int(s))
}

// CanTransition reports whether a submission in status s may be moved to
// status to. Staying in the same status is always allowed.
func (s SubmissionStatus) CanTransition(to SubmissionStatus) bool {
	if s == to {
		return true
	}
	for _, from := range submissionTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

func (s SubmissionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SubmissionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range submissionStatusNames {
		if strings.EqualFold(n, name) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown submission status %q", name)
}
