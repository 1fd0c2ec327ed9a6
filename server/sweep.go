package main

/******************************************************************************
 *
 *  Description :
 *
 *    Background sweeps: expired login tokens and invite codes.
 *
 *****************************************************************************/

import (
	"log"
	"time"

	"github.com/vertex-im/vertex/server/store"
)

// sweepTokensLoop periodically removes expired tokens and tears down the
// sessions bound to them.
func sweepTokensLoop(interval time.Duration, expiryDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		begin := time.Now()

		if err := sweepTokens(expiryDays); err != nil {
			log.Println("token sweep:", err)
			continue
		}

		if taken := time.Since(begin); taken > interval {
			log.Printf("Token sweep took %ds but the interval is %ds",
				int(taken.Seconds()), int(interval.Seconds()))
		}
	}
}

// sweepTokens removes expired tokens and tears down the sessions they
// backed.
func sweepTokens(expiryDays int) error {
	owners, err := store.Tokens.DeleteExpired(time.Now().UTC(), expiryDays)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		globals.sessionStore.RemoveAndNotify(owner.User, owner.Device, ErrKindTokenExpired)
		tokensSwept.Inc()
	}
	return nil
}

// sweepInviteCodesLoop periodically removes expired invite codes.
func sweepInviteCodesLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		begin := time.Now()

		if err := store.InviteCodes.DeleteExpired(time.Now().UTC()); err != nil {
			log.Println("invite sweep:", err)
		}

		if taken := time.Since(begin); taken > interval {
			log.Printf("Invite code sweep took %ds but the interval is %ds",
				int(taken.Seconds()), int(interval.Seconds()))
		}
	}
}
