package gossip

import (
	"errors"
	"fmt"
	"strings"
)

// SyncIncompleteError reports that a sync round with Peer gave up on
// ancestors it could not fetch. It is scoped to that peer; the database stays
// usable and the next announcement starts a fresh round.
type SyncIncompleteError struct {
	Peer    string
	Missing []string
}

func (e *SyncIncompleteError) Error() string {
	short := make([]string, 0, len(e.Missing))
	for _, h := range e.Missing {
		if len(h) > 12 {
			h = h[:12]
		}
		short = append(short, h)
	}
	return fmt.Sprintf("sync with %s incomplete: %d missing [%s]", e.Peer, len(e.Missing), strings.Join(short, " "))
}

// IsSyncIncomplete reports whether err is a SyncIncompleteError.
func IsSyncIncomplete(err error) bool {
	var e *SyncIncompleteError
	return errors.As(err, &e)
}
