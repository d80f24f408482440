package events

import (
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

// Subscription binds a set of event types and filters to one connection.
// The ID carries a "sub_" prefix so it reads well in client logs.
type Subscription struct {
	ID        string
	ConnID    string
	Types     map[Type]struct{}
	Filters   Filters
	CreatedAt time.Time

	urlRe *regexp.Regexp
}

// newSubscription validates types and filters and compiles the URL
// pattern once so matching on the publish path is allocation-free.
func newSubscription(connID string, types []Type, filters Filters) (*Subscription, error) {
	if len(types) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFilter, "at least one event type is required")
	}

	typeSet := make(map[Type]struct{}, len(types))
	for _, t := range types {
		if !ValidType(t) {
			return nil, apperrors.New(apperrors.ErrCodeInvalidFilter, "unknown event type").
				WithContext("event_type", string(t))
		}
		typeSet[t] = struct{}{}
	}

	var urlRe *regexp.Regexp
	if filters.URLPattern != "" {
		re, err := regexp.Compile(filters.URLPattern)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidFilter, "invalid url_pattern regex").
				WithContext("url_pattern", filters.URLPattern)
		}
		urlRe = re
	}

	return &Subscription{
		ID:        "sub_" + ulid.Make().String(),
		ConnID:    connID,
		Types:     typeSet,
		Filters:   filters,
		CreatedAt: time.Now(),
		urlRe:     urlRe,
	}, nil
}

// Matches reports whether the event passes this subscription's type
// set and filters. All present filters must match.
func (s *Subscription) Matches(ev Event) bool {
	if _, ok := s.Types[ev.Type]; !ok {
		return false
	}
	if s.urlRe != nil && !s.urlRe.MatchString(ev.PageURL) {
		return false
	}
	if s.Filters.PageID != "" && s.Filters.PageID != ev.PageID {
		return false
	}
	return true
}

// Info is the wire representation of a subscription.
type Info struct {
	SubscriptionID string    `json:"subscription_id"`
	EventTypes     []string  `json:"event_types"`
	Filters        Filters   `json:"filters"`
	CreatedAt      time.Time `json:"created_at"`
}

// Info returns the serializable view of the subscription.
func (s *Subscription) Info() Info {
	types := make([]string, 0, len(s.Types))
	for _, t := range KnownTypes {
		if _, ok := s.Types[t]; ok {
			types = append(types, string(t))
		}
	}
	return Info{
		SubscriptionID: s.ID,
		EventTypes:     types,
		Filters:        s.Filters,
		CreatedAt:      s.CreatedAt,
	}
}
