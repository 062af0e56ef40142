package relay

import (
	"encoding/json"
	"net/http"

	"github.com/girino/relay-engine/nips"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// documentSnapshot merges the static relay identity, the engine limits and
// every capability module's metadata fragment into one NIP-11 document.
func (rl *Relay) documentSnapshot() nip11.RelayInformationDocument {
	info := *rl.Info

	limitation := nip11.RelayLimitationDocument{}
	if rl.Info.Limitation != nil {
		limitation = *rl.Info.Limitation
	}
	info.Limitation = &limitation
	info.SupportedNIPs = append([]any{}, rl.Info.SupportedNIPs...)

	limitation.MaxSubscriptions = rl.opts.MaxSubscriptions
	limitation.MaxFilters = rl.opts.MaxFilters
	limitation.MaxSubidLength = rl.opts.MaxSubIDLength
	limitation.MaxMessageLength = int(rl.opts.MaxMessageLength)
	limitation.MaxLimit = rl.store.MaxQueryLimit
	limitation.AuthRequired = rl.opts.AuthRequired

	rl.registry.Metadata(&info)
	nips.AppendSupportedNIP(&info, 11)
	nips.AppendSupportedNIP(&info, 42)

	return info
}

// handleRelayInfo serves the merged relay information document. The handler
// is wrapped with permissive CORS so browser clients can fetch it.
func (rl *Relay) handleRelayInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json")
	if err := json.NewEncoder(w).Encode(rl.documentSnapshot()); err != nil {
		http.Error(w, "failed to encode relay information", http.StatusInternalServerError)
	}
}
