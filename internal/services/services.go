// Package services implements the core of the licensing service: identity
// and authorization, device acquisition, payment reconciliation, token
// issuance, notification dispatch, and the audit trail. Services own their
// SQL and are wired together in cmd/api.
package services

import (
	"strconv"
	"time"
)

const secondsPerDay = 86400

// placeholder renders the nth positional SQL parameter.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// clampPage normalizes pagination inputs: limit into [1, 100], offset >= 0.
func clampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// expFromDays converts a product's exp-days setting into an absolute
// timestamp; nil days means perpetual.
func expFromDays(days *int, base int64) *int64 {
	if days == nil {
		return nil
	}
	exp := base + int64(*days)*secondsPerDay
	return &exp
}

func nowUnix() int64 {
	return time.Now().Unix()
}
