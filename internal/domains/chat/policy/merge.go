package policy

import (
	"strings"
	"time"

	"casetrack/go-chat/pkg/models"
)

// DefaultMergeWindow is the optimistic/echo correlation window. It is a
// heuristic carried over from the shipped clients, not an identity mechanism;
// exact ClientRef correlation always wins when the transport preserves it.
const DefaultMergeWindow = 60 * time.Second

// MergeOutcome says which rule resolved an incoming message.
type MergeOutcome string

const (
	MergeOutcomeReplaced   MergeOutcome = "replaced"
	MergeOutcomeOptimistic MergeOutcome = "optimistic_match"
	MergeOutcomeSuppressed MergeOutcome = "duplicate_suppressed"
	MergeOutcomeAppended   MergeOutcome = "appended"
)

// Merger folds incoming messages into an ordered, de-duplicated list. It owns
// no state; every method returns a new list.
type Merger struct {
	// Window overrides DefaultMergeWindow when positive.
	Window time.Duration
}

func (m Merger) window() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return DefaultMergeWindow
}

func (m Merger) MergeOne(list []models.Message, incoming models.Message) []models.Message {
	merged, _ := m.Apply(list, incoming)
	return merged
}

// MergeBatch folds MergeOne over each incoming message in its given order.
func (m Merger) MergeBatch(list []models.Message, incoming ...models.Message) []models.Message {
	out := append([]models.Message(nil), list...)
	for _, msg := range incoming {
		out = m.MergeOne(out, msg)
	}
	return out
}

// Apply merges one incoming message and reports which rule fired. A message
// can arrive through up to three independent paths (optimistic insert, send
// acknowledgment, live push) in any order; Apply converges to exactly one
// entry per logical send regardless of the interleaving.
func (m Merger) Apply(list []models.Message, incoming models.Message) ([]models.Message, MergeOutcome) {
	out := append([]models.Message(nil), list...)
	if incoming.Delivery == "" && incoming.Confirmed() {
		incoming.Delivery = models.DeliverySent
	}

	if idx := indexOfIdentity(out, incoming); idx >= 0 {
		out[idx] = replaceEntry(out[idx], incoming)
		return models.SortAscending(out), MergeOutcomeReplaced
	}

	if idx := indexOfOptimisticMatch(out, incoming, m.window()); idx >= 0 {
		replaced := replaceEntry(out[idx], incoming)
		if !models.IsTerminalDelivery(replaced.Delivery) {
			replaced.Delivery = models.DeliverySent
		}
		out[idx] = replaced
		return models.SortAscending(out), MergeOutcomeOptimistic
	}

	// The reverse race: the confirmed echo is already in the list and the
	// optimistic insert arrives late. Keep the confirmed entry and absorb the
	// correlation id so a later ack still resolves by identity.
	if incoming.LocalOrigin() && !incoming.Confirmed() {
		if idx := indexOfConfirmedEcho(out, incoming, m.window()); idx >= 0 {
			if out[idx].ClientRef == "" {
				out[idx].ClientRef = incoming.ClientRef
			}
			return models.SortAscending(out), MergeOutcomeOptimistic
		}
	}

	outcome := MergeOutcomeAppended
	if pruned := suppressLocalEchoes(out, incoming, m.window()); len(pruned) < len(out) {
		out = pruned
		outcome = MergeOutcomeSuppressed
	}
	out = append(out, incoming)
	return models.SortAscending(out), outcome
}

// indexOfIdentity finds an entry that is the same message by stable identity:
// equal server id, an optimistic entry whose ClientRef the server id now
// confirms, or equal ClientRef while correlating pre-confirmation copies.
func indexOfIdentity(list []models.Message, incoming models.Message) int {
	incomingID := strings.TrimSpace(incoming.ID)
	incomingRef := strings.TrimSpace(incoming.ClientRef)
	for i, existing := range list {
		if incomingID != "" && (existing.ID == incomingID || existing.ClientRef == incomingID) {
			return i
		}
		if incomingRef != "" && existing.ClientRef == incomingRef {
			return i
		}
	}
	return -1
}

// indexOfOptimisticMatch finds a locally-originated, not-yet-confirmed entry
// that is the same logical send as the confirmed incoming copy.
func indexOfOptimisticMatch(list []models.Message, incoming models.Message, window time.Duration) int {
	for i, existing := range list {
		if !existing.LocalOrigin() || existing.Confirmed() {
			continue
		}
		if !sameLogicalSend(existing, incoming, window) {
			continue
		}
		return i
	}
	return -1
}

func indexOfConfirmedEcho(list []models.Message, incoming models.Message, window time.Duration) int {
	for i, existing := range list {
		if !existing.Confirmed() {
			continue
		}
		if !sameLogicalSend(existing, incoming, window) {
			continue
		}
		return i
	}
	return -1
}

func sameLogicalSend(a, b models.Message, window time.Duration) bool {
	return senderWildcardEqual(a.SenderID, b.SenderID) &&
		a.Body == b.Body &&
		len(a.Attachments) == len(b.Attachments) &&
		withinWindow(a.Timestamp, b.Timestamp, window)
}

// suppressLocalEchoes drops locally-originated entries that look like a
// near-simultaneous echo of the incoming message. Defends against a slow
// network producing two echoes of one logical send.
func suppressLocalEchoes(list []models.Message, incoming models.Message, window time.Duration) []models.Message {
	out := list[:0:0]
	for _, existing := range list {
		if existing.LocalOrigin() && existing.Body == incoming.Body && withinWindow(existing.Timestamp, incoming.Timestamp, window) {
			continue
		}
		out = append(out, existing)
	}
	return out
}

// replaceEntry swaps an existing entry for its newer delivery, keeping the
// identity pieces and read flag the incoming copy may not carry.
func replaceEntry(existing, incoming models.Message) models.Message {
	if strings.TrimSpace(incoming.ID) == "" {
		incoming.ID = existing.ID
	}
	if strings.TrimSpace(incoming.ClientRef) == "" {
		incoming.ClientRef = existing.ClientRef
	}
	switch {
	case models.IsTerminalDelivery(incoming.Delivery):
		// keep the terminal state the incoming copy carries
	case incoming.Confirmed():
		incoming.Delivery = models.DeliverySent
	default:
		incoming.Delivery = models.MergeDeliveryState(existing.Delivery, models.DeliveryPending)
	}
	if existing.Read {
		incoming.Read = true
	}
	return incoming
}

func senderWildcardEqual(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a == "" || b == "" || a == b
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta < window
}
