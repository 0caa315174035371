package relay

// channelRouter holds ordered member lists. A channel exists only while it has members.
type channelRouter struct {
	members map[string][]string
}

func newChannelRouter() *channelRouter {
	return &channelRouter{members: make(map[string][]string)}
}

func (r *channelRouter) join(channel, id string) {
	for _, m := range r.members[channel] {
		if m == id {
			return
		}
	}
	r.members[channel] = append(r.members[channel], id)
}

// leave removes id and reports whether the channel was deleted because it emptied.
func (r *channelRouter) leave(channel, id string) bool {
	list, ok := r.members[channel]
	if !ok {
		return false
	}
	for i, m := range list {
		if m == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.members, channel)
		return true
	}
	r.members[channel] = list
	return false
}

func (r *channelRouter) list(channel string) []string {
	return r.members[channel]
}

// others returns every member of channel except id, never nil.
func (r *channelRouter) others(channel, id string) []string {
	list := r.members[channel]
	out := make([]string, 0, len(list))
	for _, m := range list {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func (r *channelRouter) len() int {
	return len(r.members)
}

func (r *channelRouter) snapshot() map[string][]string {
	out := make(map[string][]string, len(r.members))
	for ch, list := range r.members {
		out[ch] = append([]string(nil), list...)
	}
	return out
}
