// Package api is the producer's HTTP ingress. It accepts task events from
// the task service, hands them to the publisher and reports broker health.
// Publishing is best-effort: an accepted request says whether the event was
// queued but never fails because the broker is down.
package api
