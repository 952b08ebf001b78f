package channel

import (
	"sort"

	"github.com/spf13/cast"

	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/internal/script"
)

// statusRank orders terminal destination statuses for response selection.
// A lower rank wins. Anything unranked loses to everything ranked.
func statusRank(s message.Status) int {
	switch s {
	case message.StatusSent:
		return 0
	case message.StatusQueued:
		return 1
	case message.StatusFiltered:
		return 2
	case message.StatusError:
		return 3
	default:
		return 4
	}
}

// selectResponse picks the reply returned to the source connector after
// the destination chain finished, per the channel's response selection
// policy. A nil return means the source sends nothing beyond its own
// transport-level acknowledgment.
func (c *Channel) selectResponse(view *script.View, results []destResult) *message.Response {
	policy := c.cfg.ResponseSelection
	if policy == "" {
		policy = config.SelectNone
	}

	switch policy {
	case config.SelectNone:
		return nil

	case config.SelectAutoBeforeProcessing, config.SelectAutoAfterProcessing:
		return &message.Response{Status: message.StatusSent, Content: c.responder.Respond(view.Raw, true)}

	case config.SelectSourceTransformed:
		return &message.Response{Status: message.StatusTransformed, Content: view.Transformed}

	case config.SelectPostprocessor:
		// Scripts hand a reply back through the response map.
		if v, ok := view.ResponseMap["response"]; ok {
			return &message.Response{Status: message.StatusSent, Content: cast.ToString(v)}
		}
		return nil

	case config.SelectDestinationsCompleted:
		return selectFromDestinations(c.cfg.RespondFromDestination, results)

	default:
		return nil
	}
}

// selectFromDestinations resolves DESTINATIONS_COMPLETED. A pinned
// destination wins outright; otherwise the best-ranked status wins, ties
// broken by the lowest metadata id.
func selectFromDestinations(pinned int, results []destResult) *message.Response {
	if len(results) == 0 {
		return nil
	}

	if pinned > 0 {
		for _, r := range results {
			if r.MetadataID == pinned {
				resp := r.Response
				resp.Status = r.Status
				return &resp
			}
		}
	}

	ordered := make([]destResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := statusRank(ordered[i].Status), statusRank(ordered[j].Status)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].MetadataID < ordered[j].MetadataID
	})

	best := ordered[0]
	resp := best.Response
	resp.Status = best.Status
	return &resp
}
