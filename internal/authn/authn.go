// Package authn implements the credential challenge decision described in
// spec §4.8. The password database itself is an external collaborator.
package authn

import (
	"log"
	"time"

	"github.com/openbbs/logind/internal/admission"
	"github.com/openbbs/logind/internal/loginstate"
)

// freeUseridCanonical maps each free-userid sentinel to its canonical
// spelling for LoginData/logging.
var freeUseridCanonical = map[string]string{
	admission.GuestSentinel: admission.GuestSentinel,
	admission.NewSentinel:   admission.NewSentinel,
}

// Record is the subset of a user record the challenge needs: its
// canonical-cased id, used to normalise typed-in userids on both success
// and failure.
type Record struct {
	CanonicalID string
}

// PasswordStore is the pluggable credential database, an external
// collaborator per spec §1.
type PasswordStore interface {
	// Load looks up userid (case/typo-tolerant per the implementation) and
	// returns the matching record, if any.
	Load(userid string) (Record, bool)
	// Verify checks password against the loaded record.
	Verify(rec Record, password string) bool
}

// Outcome is the result of Challenge.
type Outcome int

const (
	OutcomeFail Outcome = iota
	OutcomeOK
	OutcomeFreeID
	OutcomeFreeIDTooMany
)

// Challenge implements spec §4.8's challenge(ctx): free-id short-circuit
// first, then PasswordStore lookup and verification. ctx.userid is
// rewritten to the canonical form on both OK and FAIL (when a record was
// found), enabling case/typo normalisation for logging.
func Challenge(ctx *loginstate.Context, store PasswordStore, adm *admission.Admission) Outcome {
	userid := ctx.Userid()

	if isFree, allowed := adm.CheckFreeUserID(userid); isFree {
		ctx.SetUserid(freeUseridCanonical[userid])
		if !allowed {
			return OutcomeFreeIDTooMany
		}
		return OutcomeFreeID
	}

	rec, found := store.Load(userid)
	if !found {
		return OutcomeFail
	}

	if store.Verify(rec, ctx.Passwd()) {
		ctx.SetUserid(rec.CanonicalID)
		return OutcomeOK
	}
	ctx.SetUserid(rec.CanonicalID)
	return OutcomeFail
}

// LogAttempt records an OK/FAIL attempt. FREE_ID attempts are never logged,
// restated from spec §4.8.
func LogAttempt(userid string, outcome Outcome, peerIP string) {
	if outcome == OutcomeFreeID || outcome == OutcomeFreeIDTooMany {
		return
	}
	mark := "-"
	if outcome == OutcomeOK {
		mark = "+"
	}
	log.Printf("INFO: login attempt userid=%q outcome=%s peer=%s time=%s",
		userid, mark, peerIP, time.Now().Format(time.RFC3339))
}
