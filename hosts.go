package ably

import (
	"math/rand"
)

// hostSelector orders the hosts tried in one connection cycle.
type hostSelector struct {
	primary   string
	fallbacks []string
	lastGood  string
	shuffle   func(n int, swap func(i, j int))
}

func newHostSelector(primary string, fallbacks []string) *hostSelector {
	return &hostSelector{
		primary:   primary,
		fallbacks: append([]string(nil), fallbacks...),
		shuffle:   rand.Shuffle,
	}
}

// candidates returns each host once: the last host that worked, then the
// primary, then the fallbacks in random order.
func (h *hostSelector) candidates() []string {
	hosts := make([]string, 0, len(h.fallbacks)+2)
	seen := make(map[string]bool, len(h.fallbacks)+2)
	add := func(host string) {
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		hosts = append(hosts, host)
	}

	add(h.lastGood)
	add(h.primary)

	fallbacks := append([]string(nil), h.fallbacks...)
	h.shuffle(len(fallbacks), func(i, j int) {
		fallbacks[i], fallbacks[j] = fallbacks[j], fallbacks[i]
	})
	for _, host := range fallbacks {
		add(host)
	}
	return hosts
}

func (h *hostSelector) succeeded(host string) {
	h.lastGood = host
}

// failed forgets host as the preferred one if it was.
func (h *hostSelector) failed(host string) {
	if h.lastGood == host {
		h.lastGood = ""
	}
}
