package tracker

import (
	"net/url"
	"strconv"
	"strings"
)

// Round is the outcome of contacting every tracker URL once: the union of
// peers seen and the smallest interval reported by a successful tracker.
type Round struct {
	Peers    []Peer
	Interval int
}

// Announcer is satisfied by *Client; only for test substitution.
type Announcer interface {
	Announce(hostport string, req AnnounceRequest) (*AnnounceResponse, error)
}

// RunRound contacts every UDP tracker URL in urls once, skipping non-UDP
// schemes with a call to onSkip, and a failed tracker with a call to
// onFail, continuing to the next URL in both cases. Peers returned by any
// tracker are unioned into the result; Interval is the minimum interval
// seen across successful trackers.
func RunRound(c Announcer, urls []string, req AnnounceRequest, onSkip, onFail func(url string, err error)) Round {
	var out Round
	seen := make(map[string]struct{})

	for _, raw := range urls {
		if !strings.HasPrefix(raw, "udp://") {
			if onSkip != nil {
				onSkip(raw, nil)
			}
			continue
		}

		u, err := url.Parse(raw)
		if err != nil {
			if onFail != nil {
				onFail(raw, err)
			}
			continue
		}

		resp, err := c.Announce(u.Host, req)
		if err != nil {
			if onFail != nil {
				onFail(raw, err)
			}
			continue
		}

		for _, p := range resp.Peers {
			key := p.IP.String() + ":" + strconv.Itoa(int(p.Port))
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out.Peers = append(out.Peers, p)
		}

		if out.Interval == 0 || resp.Interval < out.Interval {
			out.Interval = resp.Interval
		}
	}

	return out
}
