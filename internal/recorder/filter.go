package recorder

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/prasenjit/translucent/internal/models"
)

// ParseFilter builds a filter from query parameters: scenario, outcome,
// method, path (prefix), status, session, since, until and limit. Times are
// RFC 3339 or a duration meaning "that long ago".
func ParseFilter(q url.Values, now time.Time) (*models.InteractionFilter, error) {
	f := &models.InteractionFilter{
		ScenarioID: q.Get("scenario"),
		Outcome:    models.Outcome(q.Get("outcome")),
		Method:     q.Get("method"),
		PathPrefix: q.Get("path"),
		Session:    q.Get("session"),
	}

	if v := q.Get("status"); v != "" {
		status, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid status %q", v)
		}
		f.StatusCode = status
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = limit
	}

	var err error
	if f.Since, err = parseTime(q.Get("since"), now); err != nil {
		return nil, fmt.Errorf("invalid since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until"), now); err != nil {
		return nil, fmt.Errorf("invalid until: %w", err)
	}
	return f, nil
}

func parseTime(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}
